package protocol

import "otsync/common"

// Selection is an inclusive-exclusive character range.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Cursor is a client's position within a document.
type Cursor struct {
	Position  int        `json:"position"`
	Selection *Selection `json:"selection,omitempty"`
}

// Presence is a client's ephemeral per-document state. The server
// stamps ClientID, LastSeen and IsOnline; everything else is
// client-declared and forwarded as-is.
type Presence struct {
	ClientID common.ClientID `json:"clientId"`
	UserID   string          `json:"userId,omitempty"`
	Name     string          `json:"name,omitempty"`
	Avatar   string          `json:"avatar,omitempty"`
	Cursor   *Cursor         `json:"cursor,omitempty"`
	Data     map[string]any  `json:"data,omitempty"`
	LastSeen int64           `json:"lastSeen"`
	IsOnline bool            `json:"isOnline"`
}

// Stamp overwrites the server-owned presence fields.
func (p *Presence) Stamp(clientID common.ClientID, now int64) {
	p.ClientID = clientID
	p.LastSeen = now
	p.IsOnline = true
}
