// config.go - Sly Chat client configuration.
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

// Package config provides the Sly Chat client configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/slychat/slychat/core"
	"github.com/slychat/slychat/core/log"
	"github.com/slychat/slychat/relay"
	"github.com/slychat/slychat/session"
	"github.com/slychat/slychat/transfer"
)

const (
	defaultConnectTimeout    = 15  // seconds
	defaultKeepAliveInterval = 180 // seconds
	defaultPingInterval      = 30  // seconds
	defaultRequestTimeout    = 30  // seconds
	defaultChunkSize         = 128 * 1024
	defaultLogLevel          = "NOTICE"

	sessionStoreFile = "session.db"
	transferListFile = "transfers.db"
)

// Account identifies the local user and device.
type Account struct {
	// UserID is the numeric account id.
	UserID int64

	// DeviceID is this device's id within the account.
	DeviceID int

	// AuthToken is the bearer token used until the token provider
	// refreshes it.
	AuthToken string
}

func (aCfg *Account) validate() error {
	if aCfg.UserID <= 0 {
		return errors.New("config: Account: UserID must be set")
	}
	if aCfg.DeviceID <= 0 {
		return errors.New("config: Account: DeviceID must be set")
	}
	return nil
}

// Address returns the account's device address.
func (aCfg *Account) Address() core.Address {
	return core.Address{
		UserID:   core.UserID(aCfg.UserID),
		DeviceID: core.DeviceID(aCfg.DeviceID),
	}
}

// Relay is the relay server configuration.
type Relay struct {
	// Address is the host:port of the relay server.
	Address string

	// ConnectTimeout is the transport connect timeout in seconds.
	ConnectTimeout int

	// KeepAliveInterval is the TCP keep-alive interval in seconds.
	KeepAliveInterval int

	// PingInterval is the interval in seconds between pings on an
	// authenticated connection.
	PingInterval int
}

func (rCfg *Relay) applyDefaults() {
	if rCfg.ConnectTimeout == 0 {
		rCfg.ConnectTimeout = defaultConnectTimeout
	}
	if rCfg.KeepAliveInterval == 0 {
		rCfg.KeepAliveInterval = defaultKeepAliveInterval
	}
	if rCfg.PingInterval == 0 {
		rCfg.PingInterval = defaultPingInterval
	}
}

func (rCfg *Relay) validate() error {
	if rCfg.Address == "" {
		return errors.New("config: Relay: Address is not set")
	}
	if rCfg.ConnectTimeout < 0 || rCfg.KeepAliveInterval < 0 || rCfg.PingInterval < 0 {
		return errors.New("config: Relay: intervals must not be negative")
	}
	return nil
}

// ConnectionConfig returns the relay connection configuration.
func (rCfg *Relay) ConnectionConfig() relay.ConnectionConfig {
	return relay.ConnectionConfig{
		Address:           rCfg.Address,
		ConnectTimeout:    time.Duration(rCfg.ConnectTimeout) * time.Second,
		KeepAliveInterval: time.Duration(rCfg.KeepAliveInterval) * time.Second,
	}
}

// KeyServer is the prekey server configuration.
type KeyServer struct {
	// BaseURL is the server's base URL.
	BaseURL string

	// RequestTimeout is the per-request timeout in seconds.
	RequestTimeout int
}

func (kCfg *KeyServer) applyDefaults() {
	if kCfg.RequestTimeout == 0 {
		kCfg.RequestTimeout = defaultRequestTimeout
	}
}

func (kCfg *KeyServer) validate() error {
	if kCfg.BaseURL == "" {
		return errors.New("config: KeyServer: BaseURL is not set")
	}
	if _, err := url.Parse(kCfg.BaseURL); err != nil {
		return fmt.Errorf("config: KeyServer: BaseURL is invalid: %v", err)
	}
	return nil
}

// Transfer is the file transfer configuration.
type Transfer struct {
	// FileServerBaseURL is the file server's base URL.
	FileServerBaseURL string

	// RequestTimeout is the per-request timeout in seconds.  Part
	// uploads and downloads stream past it; it bounds the small
	// control requests.
	RequestTimeout int

	// ChunkSize is the plaintext chunk size for streaming encryption.
	ChunkSize int

	// MinPartSize is the smallest upload part size except for the
	// final part.  Must be a multiple of ChunkSize.
	MinPartSize int

	// Concurrency is the number of transfers run at once per
	// direction.  Zero means one.
	Concurrency int
}

func (tCfg *Transfer) applyDefaults() {
	if tCfg.RequestTimeout == 0 {
		tCfg.RequestTimeout = defaultRequestTimeout
	}
	if tCfg.ChunkSize == 0 {
		tCfg.ChunkSize = defaultChunkSize
	}
	if tCfg.MinPartSize == 0 {
		tCfg.MinPartSize = transfer.MinPartSize
	}
}

func (tCfg *Transfer) validate() error {
	if tCfg.FileServerBaseURL == "" {
		return errors.New("config: Transfer: FileServerBaseURL is not set")
	}
	if _, err := url.Parse(tCfg.FileServerBaseURL); err != nil {
		return fmt.Errorf("config: Transfer: FileServerBaseURL is invalid: %v", err)
	}
	if tCfg.ChunkSize <= 0 {
		return errors.New("config: Transfer: ChunkSize must be positive")
	}
	if tCfg.MinPartSize < tCfg.ChunkSize || tCfg.MinPartSize%tCfg.ChunkSize != 0 {
		return errors.New("config: Transfer: MinPartSize must be a multiple of ChunkSize")
	}
	if tCfg.Concurrency < 0 {
		return errors.New("config: Transfer: Concurrency must not be negative")
	}
	return nil
}

// Store is the local persistence configuration.
type Store struct {
	// DataDir is the absolute path to the directory holding the
	// session store and transfer list.
	DataDir string
}

func (sCfg *Store) validate() error {
	if sCfg.DataDir == "" {
		return errors.New("config: Store: DataDir is not set")
	}
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Store: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	return nil
}

// SessionStorePath returns the session store database path.
func (sCfg *Store) SessionStorePath() string {
	return filepath.Join(sCfg.DataDir, sessionStoreFile)
}

// TransferListPath returns the transfer list database path.
func (sCfg *Store) TransferListPath() string {
	return filepath.Join(sCfg.DataDir, transferListFile)
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Contact pins the identity fingerprint of one remote user.  Only users
// listed here are ever trusted for end to end sessions.
type Contact struct {
	// UserID is the contact's numeric user id.
	UserID int64

	// Fingerprint is the hex encoded identity fingerprint pinned for
	// the contact.
	Fingerprint string
}

func (cCfg *Contact) validate() error {
	if cCfg.UserID <= 0 {
		return errors.New("config: Contact: UserID must be set")
	}
	if cCfg.Fingerprint == "" {
		return fmt.Errorf("config: Contact: no Fingerprint for user %v", cCfg.UserID)
	}
	return nil
}

// Config is the top level Sly Chat client configuration.
type Config struct {
	Account   *Account
	Relay     *Relay
	KeyServer *KeyServer
	Transfer  *Transfer
	Store     *Store
	Logging   *Logging
	Contacts  []*Contact
}

// ContactsDirectory returns the pinned fingerprint directory built from
// the Contacts blocks.
func (c *Config) ContactsDirectory() session.StaticContacts {
	contacts := make(session.StaticContacts, len(c.Contacts))
	for _, contact := range c.Contacts {
		contacts[core.UserID(contact.UserID)] = contact.Fingerprint
	}
	return contacts
}

// FixupAndValidate applies defaults to missing optional values and
// validates the configuration.
func (c *Config) FixupAndValidate() error {
	if c.Account == nil {
		return errors.New("config: No Account block was present")
	}
	if err := c.Account.validate(); err != nil {
		return err
	}

	if c.Relay == nil {
		return errors.New("config: No Relay block was present")
	}
	c.Relay.applyDefaults()
	if err := c.Relay.validate(); err != nil {
		return err
	}

	if c.KeyServer == nil {
		return errors.New("config: No KeyServer block was present")
	}
	c.KeyServer.applyDefaults()
	if err := c.KeyServer.validate(); err != nil {
		return err
	}

	if c.Transfer == nil {
		return errors.New("config: No Transfer block was present")
	}
	c.Transfer.applyDefaults()
	if err := c.Transfer.validate(); err != nil {
		return err
	}

	if c.Store == nil {
		return errors.New("config: No Store block was present")
	}
	if err := c.Store.validate(); err != nil {
		return err
	}

	seen := make(map[int64]bool)
	for _, contact := range c.Contacts {
		if err := contact.validate(); err != nil {
			return err
		}
		if seen[contact.UserID] {
			return fmt.Errorf("config: Contact: duplicate entry for user %v", contact.UserID)
		}
		seen[contact.UserID] = true
	}

	if c.Logging == nil {
		c.Logging = &defaultLogging
	}
	return c.Logging.validate()
}

// InitLogBackend constructs the log backend described by the Logging
// section.
func (c *Config) InitLogBackend() (*log.Backend, error) {
	f := c.Logging.File
	if !c.Logging.Disable && f != "" {
		if !filepath.IsAbs(f) {
			return nil, errors.New("config: log file path must be absolute path")
		}
	}
	return log.New(f, c.Logging.Level, c.Logging.Disable)
}

// Load parses and validates the provided buffer b as a config file body
// and returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns
// the Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
