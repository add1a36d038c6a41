package frame

import "strings"

// Destination prefixes. Clients SEND to /app/ handler paths and SUBSCRIBE to
// /user/queue/ or /topic/ destinations; /queue/ names are the materialized
// per-connection form of /user/queue/ and are what MESSAGE frames carry.
const (
	AppPrefix       = "/app/"
	UserQueuePrefix = "/user/queue/"
	QueuePrefix     = "/queue/"
	TopicPrefix     = "/topic/"
)

// Well-known header names.
const (
	HdrDestination  = "destination"
	HdrSubscription = "subscription"
	HdrAuthToken    = "auth-token"
	HdrVersion      = "version"
	HdrSession      = "session"
	HdrMessage      = "message"
	HdrContentType  = "content-type"
)

// AppOp extracts the handler path from an /app/ destination.
func AppOp(dest string) (string, bool) {
	if !strings.HasPrefix(dest, AppPrefix) {
		return "", false
	}
	op := dest[len(AppPrefix):]
	return op, op != ""
}

// IsTopic reports whether dest is a broadcast destination.
func IsTopic(dest string) bool {
	return strings.HasPrefix(dest, TopicPrefix) && len(dest) > len(TopicPrefix)
}

// PersonalQueue returns the per-connection queue name for a topic, e.g.
// PersonalQueue("deployment/progress", "s1") = "/queue/deployment/progress-users1".
func PersonalQueue(topic, sessionID string) string {
	return QueuePrefix + topic + "-user" + sessionID
}

// Materialize rewrites a subscription destination for one connection.
// /user/queue/<topic> becomes the personal queue; /topic/ and /queue/
// destinations pass through unchanged. ok is false for anything else.
func Materialize(dest, sessionID string) (string, bool) {
	switch {
	case strings.HasPrefix(dest, UserQueuePrefix) && len(dest) > len(UserQueuePrefix):
		return PersonalQueue(dest[len(UserQueuePrefix):], sessionID), true
	case IsTopic(dest):
		return dest, true
	case strings.HasPrefix(dest, QueuePrefix) && len(dest) > len(QueuePrefix):
		return dest, true
	default:
		return "", false
	}
}
