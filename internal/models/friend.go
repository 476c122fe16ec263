package models

type RequestStatus string

const RequestStatusPending RequestStatus = "pending"

// FriendEdge is one direction of a friendship, stored under the owner's
// own subtree and keyed by the peer's id. Display fields are denormalized
// snapshots of the peer's profile; they go stale until profile live-sync
// refreshes them.
type FriendEdge struct {
	UID    string `json:"uid"`
	Name   string `json:"name"`
	Handle string `json:"username"`
	Avatar string `json:"avatar,omitempty"`
	Filter string `json:"filter,omitempty"`
	Color  string `json:"color,omitempty"`
}

// EdgeFor caches the display fields of a peer profile into an edge.
func EdgeFor(p Profile) FriendEdge {
	return FriendEdge{
		UID:    p.ID,
		Name:   p.Name,
		Handle: p.Handle,
		Avatar: p.Avatar,
		Filter: p.Filter,
		Color:  p.Color,
	}
}

// FriendRequest is a pending inbound request, stored under the target's
// subtree keyed by the requester's id. There is no decline or cancel
// state; accepting deletes the document.
type FriendRequest struct {
	From   string        `json:"from"`
	Name   string        `json:"name"`
	Handle string        `json:"username"`
	Avatar string        `json:"avatar,omitempty"`
	Filter string        `json:"filter,omitempty"`
	Color  string        `json:"color,omitempty"`
	Status RequestStatus `json:"status"`
}
