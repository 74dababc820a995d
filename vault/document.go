package vault

import "time"

const documentVersion = 1

// document is the serialized form of a Store.
type document struct {
	Version int         `yaml:"version" json:"version"`
	Network string      `yaml:"network" json:"network"`
	Keys    []recordDoc `yaml:"keys" json:"keys"`
}

type recordDoc struct {
	ID      string    `yaml:"id" json:"id"`
	Name    string    `yaml:"name" json:"name"`
	Created time.Time `yaml:"created" json:"created"`
	Notes   string    `yaml:"notes,omitempty" json:"notes,omitempty"`
	Path    string    `yaml:"path" json:"path"`
	XPub    string    `yaml:"xpub" json:"xpub"`
	Sealed  string    `yaml:"sealed,omitempty" json:"sealed,omitempty"`
}
