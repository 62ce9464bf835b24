package metadata

// Channel-scoped keys share one hash tag so a record, its locks and its
// events channel land on the same slot.
const keyPrefix = "prs:"

// MetaEventsPattern matches the metadata events channel of every channel.
const MetaEventsPattern = "prs:{chan:*}:meta_events"

func chanTag(channelType, channelName string) string {
	return "{chan:" + channelType + ":" + channelName + "}"
}

// MetaKey is the record key for a (channelType, channelName) pair.
func MetaKey(channelType, channelName string) string {
	return keyPrefix + chanTag(channelType, channelName) + ":meta"
}

// MetaEventsChannel is the pub/sub channel carrying a channel's metadata events.
func MetaEventsChannel(channelType, channelName string) string {
	return keyPrefix + chanTag(channelType, channelName) + ":meta_events"
}

// LockKey is the key of a named advisory lock scoped to a channel.
func LockKey(channelType, channelName, lockName string) string {
	return keyPrefix + chanTag(channelType, channelName) + ":lock:" + lockName
}
