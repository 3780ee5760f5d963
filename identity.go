package main

// Identity supplies the sender fields stamped on every outbound envelope.
type Identity interface {
	Email() string
	Username() string
}

type staticIdentity struct {
	email    string
	username string
}

func (i staticIdentity) Email() string    { return i.email }
func (i staticIdentity) Username() string { return i.username }

func newIdentity(cfg *Config) Identity {
	return staticIdentity{email: cfg.email, username: cfg.username}
}
