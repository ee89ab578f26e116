package main

import "time"

// PrimarySessionRecord is the durable home-PDS session, one row per
// browsing context. Stored independently of the chronosky session so
// logging out of one provider leaves the other intact.
type PrimarySessionRecord struct {
	ID              uint
	Scope           string `gorm:"uniqueIndex"`
	Did             string `gorm:"index"`
	Handle          string
	PdsUrl          string
	AuthserverIss   string
	AccessToken     string
	RefreshToken    string
	Expiration      time.Time
	AuthserverNonce string
	DpopPdsNonce    string
	DpopPrivateJwk  string
}
