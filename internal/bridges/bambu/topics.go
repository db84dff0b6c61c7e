package bambu

// ReportTopic is where the printer publishes status reports.
func ReportTopic(serial string) string {
	return "device/" + serial + "/report"
}

// RequestTopic is where the printer accepts commands.
func RequestTopic(serial string) string {
	return "device/" + serial + "/request"
}
