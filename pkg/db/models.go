package db

import "time"

// Extension represents a row in the extensions table.
type Extension struct {
	ID       string    `json:"id"`
	Manifest []byte    `json:"manifest"`
	Enabled  bool      `json:"enabled"`
	Revision int       `json:"revision"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

// ContentScriptConnection represents a row in the contentscript_connections table.
type ContentScriptConnection struct {
	ExtensionID string    `json:"extension_id"`
	HostName    string    `json:"host_name"`
	Connections int64     `json:"connections"`
	LastSeen    time.Time `json:"last_seen"`
}
