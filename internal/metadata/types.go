package metadata

import "time"

// Item is one stored metadata entry. Values are opaque strings; clients that
// need structure JSON-encode it themselves.
type Item struct {
	Value      string `json:"value"`
	Revision   int64  `json:"revision"`
	UpdatedIso string `json:"updatedIso,omitempty"`
	AuthorUID  string `json:"authorUid,omitempty"`
}

// ItemInput is a caller-supplied item. Revision, when present and
// non-negative, is a compare-and-set precondition against the stored item's
// revision on update.
type ItemInput struct {
	Value    string `json:"value"`
	Revision *int64 `json:"revision,omitempty"`
}

// Options carries the mutation preconditions and stamping flags.
// MajorRevision, when present and non-negative, must equal the record's
// current major revision. LockName names an advisory lock the acting user
// must hold.
type Options struct {
	MajorRevision *int64 `json:"majorRevision,omitempty"`
	LockName      string `json:"lockName,omitempty"`
	AddTimestamp  bool   `json:"addTimestamp,omitempty"`
	AddUserID     bool   `json:"addUserId,omitempty"`
}

// Params identifies the target channel and carries the operation payload.
// ActorUserID comes from the authenticated session, never from the payload.
type Params struct {
	ChannelType string               `json:"channelType"`
	ChannelName string               `json:"channelName"`
	Data        map[string]ItemInput `json:"data,omitempty"`
	Options     Options              `json:"options"`
	ActorUserID string               `json:"-"`
}

// Response is the uniform result of every metadata operation.
type Response struct {
	Timestamp     string          `json:"timestamp"`
	ChannelType   string          `json:"channelType"`
	ChannelName   string          `json:"channelName"`
	TotalCount    int             `json:"totalCount"`
	MajorRevision int64           `json:"majorRevision"`
	Metadata      map[string]Item `json:"metadata"`
}

const (
	OpSet    = "set"
	OpUpdate = "update"
	OpRemove = "remove"
)

// Event is published on the channel's events channel after every successful
// mutation. Items lists exactly the keys the operation touched with their
// post-operation value and revision; for remove it lists the pre-delete ones.
type Event struct {
	ChannelType   string          `json:"channelType"`
	ChannelName   string          `json:"channelName"`
	Operation     string          `json:"operation"`
	Items         map[string]Item `json:"items"`
	MajorRevision int64           `json:"majorRevision"`
	Timestamp     string          `json:"timestamp"`
	AuthorUID     string          `json:"authorUid,omitempty"`
}

// record is the stored form of a channel's metadata, one JSON blob per key.
type record struct {
	Items         map[string]Item `json:"items"`
	MajorRevision int64           `json:"majorRevision"`
}

func emptyRecord() *record {
	return &record{Items: map[string]Item{}}
}

func (r *record) clone() *record {
	items := make(map[string]Item, len(r.Items))
	for k, v := range r.Items {
		items[k] = v
	}
	return &record{Items: items, MajorRevision: r.MajorRevision}
}

const isoFormat = "2006-01-02T15:04:05.000Z"

func isoNow() string {
	return time.Now().UTC().Format(isoFormat)
}
