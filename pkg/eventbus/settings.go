package eventbus

import (
	"github.com/google/uuid"
)

// Settings holds the event bus transport configuration. When Enabled is false
// the bus runs in-process on a watermill gochannel.
type Settings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Topic    string `yaml:"topic"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Enabled: false,
		Addr:    "localhost:6379",
		Topic:   "chatsync.events",
		Group:   "chatsync",
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.Addr == "" {
		s.Addr = d.Addr
	}
	if s.Topic == "" {
		s.Topic = d.Topic
	}
	if s.Group == "" {
		s.Group = d.Group
	}
	if s.Consumer == "" {
		s.Consumer = "chatsync-" + uuid.NewString()[:8]
	}
	return s
}
