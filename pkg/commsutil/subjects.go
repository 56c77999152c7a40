package commsutil

import (
	"fmt"
	"strings"
)

// Well-known COMMS channels of the extension messaging bridge.
const (
	ChannelSendMessage = "crx.runtime.sendmessage"
	// OnMessagePrefix + extension id addresses one extension's onMessage handler.
	OnMessagePrefix = "crx.runtime.onmessage."
	// ContentScriptConnectPrefix + extension id carries content-script connection announcements.
	ContentScriptConnectPrefix   = "crx.runtime.contentscript.connect."
	ContentScriptConnectWildcard = ContentScriptConnectPrefix + "*"
	SubjectConnectionEvent       = "crx.host.connections"
)

// OnMessageChannel builds the inbound channel for an extension.
func OnMessageChannel(extensionID string) string {
	return OnMessagePrefix + extensionID
}

// ContentScriptConnectChannel builds the connection announcement channel for an extension.
func ContentScriptConnectChannel(extensionID string) string {
	return ContentScriptConnectPrefix + extensionID
}

// ExtensionIDFromChannel extracts the extension id from a prefixed channel name.
// It returns "" when channel does not start with prefix.
func ExtensionIDFromChannel(prefix, channel string) string {
	if !strings.HasPrefix(channel, prefix) {
		return ""
	}
	return channel[len(prefix):]
}

// ValidateExtensionID checks that an extension id can be used as a channel suffix.
// Purely numeric ids are refused so they never collide with the runtime's control sentinels.
func ValidateExtensionID(id string) error {
	if id == "" {
		return fmt.Errorf("commsutil:subjects - extension id is required")
	}
	if strings.ContainsAny(id, ".*> \t\r\n") {
		return fmt.Errorf("commsutil:subjects - extension id %q contains reserved characters", id)
	}
	numeric := true
	for _, r := range id {
		if r < '0' || r > '9' {
			numeric = false
			break
		}
	}
	if numeric {
		return fmt.Errorf("commsutil:subjects - extension id %q must not be purely numeric", id)
	}
	return nil
}

// BuildConnectionSubject builds the per-extension connection event subject.
func BuildConnectionSubject(extensionID string) string {
	return SubjectConnectionEvent + "." + extensionID
}
