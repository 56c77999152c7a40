package metrics

import (
	"strings"

	"github.com/morezero/crx-runtime/pkg/commsutil"
)

// ChannelKind collapses a channel name to a bounded label value; extension
// ids never become label values.
func ChannelKind(channel string) string {
	switch {
	case channel == commsutil.ChannelSendMessage:
		return "sendmessage"
	case strings.HasPrefix(channel, commsutil.OnMessagePrefix):
		return "onmessage"
	case strings.HasPrefix(channel, commsutil.ContentScriptConnectPrefix):
		return "connect"
	default:
		return "other"
	}
}
