// main.go - Sly Chat command line client.
// Copyright (C) 2016  Sly Chat Developers.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/slychat/slychat/api"
	"github.com/slychat/slychat/api/prekeys"
	"github.com/slychat/slychat/auth"
	"github.com/slychat/slychat/config"
	"github.com/slychat/slychat/core"
	"github.com/slychat/slychat/core/log"
	"github.com/slychat/slychat/doubleratchet"
	"github.com/slychat/slychat/internal/instrument"
	"github.com/slychat/slychat/relay"
	"github.com/slychat/slychat/session"
)

const (
	eventTimeout = 30 * time.Second

	// oneTimePreKeyCount is how many one time prekeys are published
	// when a fresh identity is created.
	oneTimePreKeyCount = 100
)

func loadConfig(path string) (*config.Config, *log.Backend, error) {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	logBackend, err := cfg.InitLogBackend()
	if err != nil {
		return nil, nil, err
	}
	instrument.Init()
	return cfg, logBackend, nil
}

func credentials(cfg *config.Config) core.UserCredentials {
	return core.UserCredentials{
		Address:   cfg.Account.Address(),
		AuthToken: core.AuthToken(cfg.Account.AuthToken),
	}
}

// connectAndAuthenticate brings the relay client up and waits for the
// authentication round trip to complete.
func connectAndAuthenticate(client *relay.Client) error {
	if err := client.Connect(); err != nil {
		return err
	}
	deadline := time.After(eventTimeout)
	for {
		select {
		case ev, ok := <-client.Events():
			if !ok {
				return errors.New("relay connection closed before authentication")
			}
			switch ev := ev.(type) {
			case *relay.AuthenticationSuccessful:
				return nil
			case *relay.AuthenticationFailure:
				return errors.New("relay authentication failed")
			case *relay.ConnectionFailure:
				return ev.Err
			case *relay.ConnectionLost:
				return fmt.Errorf("relay connection lost: %v", ev.Err)
			}
		case <-deadline:
			return errors.New("timed out waiting for relay authentication")
		}
	}
}

func newPingCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Connect to the relay, authenticate and measure the clock offset",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logBackend, err := loadConfig(*configFile)
			if err != nil {
				return err
			}

			client := relay.NewClient(cfg.Relay.ConnectionConfig(), credentials(cfg), logBackend)
			defer client.Halt()

			start := time.Now()
			if err := connectAndAuthenticate(client); err != nil {
				return err
			}
			fmt.Printf("Authenticated as %v in %v\n", cfg.Account.Address(), time.Since(start).Round(time.Millisecond))

			clock := relay.NewClock(relay.DefaultClockThreshold)
			if err := client.SendPing(); err != nil {
				return err
			}
			select {
			case diff := <-client.ClockDifference():
				clock.SetDifference(diff)
				fmt.Printf("Server clock offset: %dms (applied: %dms)\n", diff, clock.Difference())
				fmt.Printf("Server-adjusted time: %v\n", clock.Now().Format(time.RFC3339))
			case <-time.After(eventTimeout):
				return errors.New("timed out waiting for pong")
			}

			client.Disconnect()
			return nil
		},
	}
}

// randomRegistrationID returns a non-zero 14 bit registration id, the
// range the key server accepts.
func randomRegistrationID() (int, error) {
	var b [2]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		id := int(binary.BigEndian.Uint16(b[:]) & 0x3fff)
		if id != 0 {
			return id, nil
		}
	}
}

// ensureIdentity loads the stored identity, creating and publishing a
// fresh one on first run.
func ensureIdentity(store session.Store, keyClient *prekeys.Client, tokens *auth.TokenManager) error {
	_, err := store.Identity()
	if err == nil {
		return nil
	}
	if !errors.Is(err, session.ErrNoIdentity) {
		return err
	}

	fmt.Println("No identity found, generating one")
	identity, err := doubleratchet.GenerateIdentityKeyPair()
	if err != nil {
		return err
	}
	registrationID, err := randomRegistrationID()
	if err != nil {
		return err
	}
	generated, err := doubleratchet.GeneratePreKeys(identity, 1, oneTimePreKeyCount)
	if err != nil {
		return err
	}

	stored, err := auth.Bind(tokens, func(token core.AuthToken) (int, error) {
		return keyClient.Store(token, identity, registrationID, generated)
	})
	if err != nil {
		return fmt.Errorf("publishing prekeys: %w", err)
	}
	fmt.Printf("Published %d one time prekeys\n", stored)

	if err := store.PutIdentity(identity); err != nil {
		return err
	}
	if err := store.PutRegistrationID(registrationID); err != nil {
		return err
	}
	if err := store.PutSignedPreKey(generated.SignedPreKey); err != nil {
		return err
	}
	for _, otk := range generated.OneTimePreKeys {
		if err := store.PutOneTimePreKey(otk); err != nil {
			return err
		}
	}
	return nil
}

func newSendCommand(configFile *string) *cobra.Command {
	var (
		to      int64
		message string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send an encrypted message to every device of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if to <= 0 {
				return errors.New("must specify the target user with -t/--to")
			}
			if message == "" {
				return errors.New("must specify a message with -m/--message")
			}

			cfg, logBackend, err := loadConfig(*configFile)
			if err != nil {
				return err
			}

			store, err := session.NewBoltStore(cfg.Store.SessionStorePath())
			if err != nil {
				return err
			}
			defer store.Close()

			tokens := auth.NewTokenManager(auth.NewFixedTokenProvider(core.AuthToken(cfg.Account.AuthToken)), logBackend)
			defer tokens.Halt()

			httpClient := api.NewClient(time.Duration(cfg.KeyServer.RequestTimeout)*time.Second, nil)
			keyClient := prekeys.NewClient(cfg.KeyServer.BaseURL, cfg.Account.Address(), httpClient)

			if err := ensureIdentity(store, keyClient, tokens); err != nil {
				return err
			}

			svc, err := session.New(&session.Config{
				Store:       store,
				PreKeys:     keyClient,
				Tokens:      tokens,
				Contacts:    cfg.ContactsDirectory(),
				SelfAddress: cfg.Account.Address(),
				LogBackend:  logBackend,
			})
			if err != nil {
				return err
			}
			defer svc.Halt()

			client := relay.NewClient(cfg.Relay.ConnectionConfig(), credentials(cfg), logBackend)
			defer client.Halt()
			if err := connectAndAuthenticate(client); err != nil {
				return err
			}
			defer client.Disconnect()

			userID := core.UserID(to)
			result := <-svc.Encrypt(userID, []byte(message))
			if result.Err != nil {
				return fmt.Errorf("encrypting message: %w", result.Err)
			}

			messageID := uuid.New().String()
			if err := client.SendMessage(userID, result.Bundle, messageID); err != nil {
				return err
			}

			deadline := time.After(eventTimeout)
			for {
				select {
				case ev, ok := <-client.Events():
					if !ok {
						return errors.New("relay connection closed before the send was acknowledged")
					}
					switch ev := ev.(type) {
					case *relay.ServerReceivedMessage:
						fmt.Printf("Message %v accepted by the relay\n", ev.MessageID)
					case *relay.MessageSentToUser:
						fmt.Printf("Message %v delivered to user %v\n", ev.MessageID, ev.To)
						return nil
					case *relay.UserOffline:
						fmt.Printf("User %v is offline, message queued server side\n", ev.To)
						return nil
					case *relay.DeviceMismatch:
						if err := <-svc.UpdateDevices(ev.To, ev.Content); err != nil {
							return fmt.Errorf("reconciling devices: %w", err)
						}
						return errors.New("device set changed, run send again")
					case *relay.ConnectionLost:
						return fmt.Errorf("relay connection lost: %v", ev.Err)
					}
				case <-deadline:
					return errors.New("timed out waiting for the send to be acknowledged")
				}
			}
		},
	}

	cmd.Flags().Int64VarP(&to, "to", "t", 0, "target user id")
	cmd.Flags().StringVarP(&message, "message", "m", "", "message text")
	return cmd
}

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:          "slychat",
		Short:        "Sly Chat relay protocol client",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "f", "slychat.toml", "configuration file")
	cmd.AddCommand(newPingCommand(&configFile))
	cmd.AddCommand(newSendCommand(&configFile))
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
