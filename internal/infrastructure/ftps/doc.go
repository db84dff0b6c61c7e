// Package ftps provides the printer's file channel: FTP over implicit TLS
// on port 990, in passive mode, logged in as bblp with the access code.
//
// The printer's server has a few habits the client works around. Data
// connections must resume the control connection's TLS session. LIST is not
// always usable, so NLST plus SIZE is the fallback. Uploads may stall on
// close after the data is written.
package ftps
