package models

import "strings"

const (
	DefaultBio   = "Hey there! I am using Private Circle."
	DefaultColor = "indigo"
)

// Profile is one copy of a user's profile document. The same record shape
// is written to both the private location (users/{uid}/profile/info) and
// the public one (public/profiles/{uid}); the two copies are updated
// independently and only kept consistent best-effort.
type Profile struct {
	ID     string `json:"uid"`
	Name   string `json:"name"`
	Handle string `json:"username"`
	Bio    string `json:"bio,omitempty"`
	Avatar string `json:"avatar,omitempty"` // base64-encoded image, absent when unset
	Filter string `json:"filter,omitempty"`
	Color  string `json:"color,omitempty"`
}

// ProfilePatch is a partial update over the known profile field set.
// Nil fields are left untouched by a merge write.
type ProfilePatch struct {
	Name   *string `json:"name,omitempty"`
	Bio    *string `json:"bio,omitempty"`
	Avatar *string `json:"avatar,omitempty"`
	Filter *string `json:"filter,omitempty"`
	Color  *string `json:"color,omitempty"`
}

// HandleFor derives the lowercased, whitespace-free @-handle from a
// display name. Uniqueness is not enforced.
func HandleFor(name string) string {
	return "@" + strings.Join(strings.Fields(strings.ToLower(name)), "")
}

// NewProfile builds the profile record written at signup.
func NewProfile(uid, name string) Profile {
	return Profile{
		ID:     uid,
		Name:   name,
		Handle: HandleFor(name),
		Bio:    DefaultBio,
		Color:  DefaultColor,
	}
}

// User is the in-memory record for the signed-in user: the immutable
// identity issued by the provider merged with the profile copies.
type User struct {
	UID     string
	Email   string
	Profile Profile
}
