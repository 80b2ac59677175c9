package hotstate

import "strings"

// keyTag pins every key to one cluster hash slot so multi-key scripts
// remain valid on Redis Cluster.
const keyTag = "{bal}"

const (
	userKeyPrefix  = "user:" + keyTag + ":"
	userKeyPattern = userKeyPrefix + "*"
	indexKey       = "balances:" + keyTag
	quantityKey    = "items:" + keyTag + ":quantity"
	leaderboardKey = "top:" + keyTag
)

func userKey(userID string) string { return userKeyPrefix + userID }

// UserIDFromKey extracts the user id from a hot record key.
func UserIDFromKey(key string) string {
	return strings.TrimPrefix(key, userKeyPrefix)
}
