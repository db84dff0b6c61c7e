// Package config handles loading and validating printbridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Reading an optional .env file beside the YAML file
//   - Overriding with environment variables
//   - Validation of required fields
//
// Security Considerations:
//   - The printer access code doubles as the MQTT and FTPS password; set it
//     via PRINTBRIDGE_PRINTER_ACCESS_CODE rather than committing it to YAML
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Printer.Serial)
package config
