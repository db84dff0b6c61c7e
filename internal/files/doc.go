// Package files is the printer's file store as the API sees it: listing,
// upload and delete under one upload directory, backed by the FTPS channel.
package files
