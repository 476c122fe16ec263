package models

import "fmt"

// Collection layout inside the document store. Every collection is
// prefixed with the deployment namespace so multiple apps can share one
// backing store.

const PrivateProfileKey = "info"

func PrivateProfileCollection(ns, uid string) string {
	return fmt.Sprintf("%s/users/%s/profile", ns, uid)
}

func PublicProfilesCollection(ns string) string {
	return fmt.Sprintf("%s/public/profiles", ns)
}

func FriendsCollection(ns, uid string) string {
	return fmt.Sprintf("%s/users/%s/friends", ns, uid)
}

func RequestsCollection(ns, uid string) string {
	return fmt.Sprintf("%s/users/%s/requests", ns, uid)
}
