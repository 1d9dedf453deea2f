package natstransport

import (
	"strings"

	"github.com/ximik/rumpy/peer"
)

// DefaultPrefix is the subject prefix used when Config.Prefix is empty
const DefaultPrefix = "rumpy"

// MessageSubject carries inbound chat messages for the bot
func MessageSubject(prefix string, bot peer.ID) string {
	return botSubject(prefix, bot) + ".message"
}

// PresenceSubject carries inbound presence and subscription events for the bot
func PresenceSubject(prefix string, bot peer.ID) string {
	return botSubject(prefix, bot) + ".presence"
}

// QuerySubject serves request/reply introspection queries for the bot
func QuerySubject(prefix string, bot peer.ID) string {
	return botSubject(prefix, bot) + ".query"
}

// PeerSubject carries outbound chat and presence to one peer
func PeerSubject(prefix string, to peer.ID) string {
	return prefix + ".peer." + to.Token()
}

func botSubject(prefix string, bot peer.ID) string {
	return prefix + ".bot." + bot.Token()
}

// RosterBucket names the KV bucket holding the roster of bot name. Characters
// JetStream does not accept in bucket names are replaced with '_'.
func RosterBucket(prefix, name string) string {
	return sanitizeBucket(prefix + "_roster_" + name)
}

func sanitizeBucket(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, name)
}
