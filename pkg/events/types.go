// Package events defines host events and the publishers that emit them.
package events

// ConnectionEvent is emitted when a content script announces itself to the host.
type ConnectionEvent struct {
	ExtensionID string `json:"extensionId"`
	TabID       string `json:"tabId,omitempty"`
	HostName    string `json:"hostName"`
	Connections int64  `json:"connections"`
	Timestamp   string `json:"timestamp"`
}
