package protocol

import "strings"

// Identity is the routing identity encoded in a connection name.
type Identity struct {
	Channel  string
	ScopeID  string
	Instance string // optional, only in "#" names
}

// FormatName builds the "<channel>-<scopeId>" form.
func FormatName(channel, scopeID string) string {
	return channel + "-" + scopeID
}

// FormatInstanceName builds "<channel>#<scopeId>#<instance>", used by clients
// that want a fresh identity on every connect.
func FormatInstanceName(channel, scopeID, instance string) string {
	name := channel + "#" + scopeID
	if instance != "" {
		name += "#" + instance
	}
	return name
}

// ParseName resolves channel and scope id from a connection name.
//
// Names containing '#' split as channel#scope[#instance]. Otherwise a name that
// is itself a known channel has no suffix, and any other name splits at its
// last '-'. senderScope, when set by the host, takes precedence over the
// suffix. A name yielding no scope id at all is ErrMissingScope.
func ParseName(name, senderScope string, known func(string) bool) (Identity, error) {
	var id Identity
	var suffix string

	switch {
	case strings.Contains(name, "#"):
		parts := strings.SplitN(name, "#", 3)
		id.Channel = parts[0]
		suffix = parts[1]
		if len(parts) == 3 {
			id.Instance = parts[2]
		}
	case known != nil && known(name):
		id.Channel = name
	default:
		if i := strings.LastIndex(name, "-"); i >= 0 {
			id.Channel, suffix = name[:i], name[i+1:]
		} else {
			id.Channel = name
		}
	}

	id.ScopeID = senderScope
	if id.ScopeID == "" {
		id.ScopeID = suffix
	}
	if id.ScopeID == "" {
		return id, &Error{Code: CodeMissingScope, Name: name, Channel: id.Channel}
	}
	return id, nil
}
