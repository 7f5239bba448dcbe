package config

import (
	"fmt"
	"time"

	"github.com/azzuwayed/serversentry/internal/notify"
)

// ChannelSpecs builds the dispatcher inputs for every configured
// channel. Disabled notifications yield an empty set.
func (c *Config) ChannelSpecs() ([]notify.ChannelSpec, error) {
	if !c.Notifications.Enabled {
		return nil, nil
	}
	specs := make([]notify.ChannelSpec, 0, len(c.Notifications.Channels))
	for _, name := range c.Notifications.Channels {
		ch, ok := c.Notifications.Channel(name)
		if !ok {
			return nil, fmt.Errorf("notifications.channels: unknown channel %q", name)
		}
		channel, err := buildChannel(name, ch)
		if err != nil {
			return nil, err
		}
		timeout := ch.Timeout
		if timeout == 0 {
			timeout = c.Notifications.Timeout
		}
		specs = append(specs, notify.ChannelSpec{
			Channel:  channel,
			Cooldown: time.Duration(ch.Cooldown) * time.Second,
			Timeout:  time.Duration(timeout) * time.Second,
			Template: ch.Template,
		})
	}
	return specs, nil
}

// NotifyOptions maps the notifications section onto the dispatcher.
func (c *Config) NotifyOptions() notify.Options {
	return notify.Options{DefaultTemplate: c.Notifications.DefaultTemplate}
}

func buildChannel(name string, ch ChannelConfig) (notify.Channel, error) {
	if name == "email" {
		return notify.NewEmail(notify.EmailSettings{
			Server:   ch.SMTPServer,
			Port:     ch.SMTPPort,
			UseTLS:   ch.UseTLS,
			Username: ch.Username,
			Password: ch.Password,
			From:     ch.From,
			To:       ch.To,
		})
	}
	var flavor notify.Flavor
	switch name {
	case "slack":
		flavor = notify.FlavorSlack
	case "teams":
		flavor = notify.FlavorTeams
	case "discord":
		flavor = notify.FlavorDiscord
	case "webhook":
		flavor = notify.FlavorGeneric
	default:
		return nil, fmt.Errorf("notifications.channels: unknown channel %q", name)
	}
	return notify.NewWebhook(name, flavor, notify.WebhookSettings{
		URL:      ch.URL,
		Channel:  ch.Channel,
		Username: ch.Username,
	})
}
