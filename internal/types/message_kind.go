// Package types holds the FlatBuffers tables exchanged between nodes.
// Accessors follow flatc output for envelope.fbs.
package types

import "strconv"

type MessageKind byte

const (
	MessageKindNone         MessageKind = 0
	MessageKindAnnounce     MessageKind = 1
	MessageKindKeepalive    MessageKind = 2
	MessageKindSyncRequest  MessageKind = 3
	MessageKindSyncResponse MessageKind = 4
)

var EnumNamesMessageKind = map[MessageKind]string{
	MessageKindNone:         "None",
	MessageKindAnnounce:     "Announce",
	MessageKindKeepalive:    "Keepalive",
	MessageKindSyncRequest:  "SyncRequest",
	MessageKindSyncResponse: "SyncResponse",
}

var EnumValuesMessageKind = map[string]MessageKind{
	"None":         MessageKindNone,
	"Announce":     MessageKindAnnounce,
	"Keepalive":    MessageKindKeepalive,
	"SyncRequest":  MessageKindSyncRequest,
	"SyncResponse": MessageKindSyncResponse,
}

func (v MessageKind) String() string {
	if s, ok := EnumNamesMessageKind[v]; ok {
		return s
	}
	return "MessageKind(" + strconv.FormatInt(int64(v), 10) + ")"
}
