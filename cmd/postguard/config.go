package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk configuration shape, loaded from YAML via
// gopkg.in/yaml.v3. A real deployment edits this file; cmd/postguard
// never reads individual CLI flags for anything the file can express,
// matching the teacher's single-JSON-config convention adapted to YAML
// since nothing in the retrieved corpus otherwise exercises a YAML parser.
type FileConfig struct {
	ServerName string `yaml:"serverName"`

	Listen struct {
		Address      string `yaml:"address"`
		Port         int    `yaml:"port"`
		ImplicitTLS  bool   `yaml:"implicitTLS"`
		CertFile     string `yaml:"certFile"`
		KeyFile      string `yaml:"keyFile"`
	} `yaml:"listen"`

	Limits struct {
		MaxMessageSizeBytes int64         `yaml:"maxMessageSizeBytes"`
		MaxRecipients       int           `yaml:"maxRecipients"`
		MaxConnGlobal       int           `yaml:"maxConnectionsGlobal"`
		MaxConnPerIP        int           `yaml:"maxConnectionsPerIP"`
		ConnRatePerMinute   int           `yaml:"connRatePerMinute"`
		ConnIdleTimeout     time.Duration `yaml:"connIdleTimeout"`
		CommandTimeout      time.Duration `yaml:"commandTimeout"`
		DataTimeout         time.Duration `yaml:"dataTimeout"`
		ErrorRetryBudget    int           `yaml:"errorRetryBudget"`
	} `yaml:"limits"`

	Security struct {
		RequireAuth        bool `yaml:"requireAuth"`
		RequireSecure      bool `yaml:"requireSecure"`
		AllowPlaintextAuth bool `yaml:"allowPlaintextAuth"`
	} `yaml:"security"`

	Features struct {
		Pipelining bool `yaml:"pipelining"`
		EightBit   bool `yaml:"eightBitMIME"`
		BinaryMIME bool `yaml:"binaryMIME"`
		SMTPUTF8   bool `yaml:"smtpUTF8"`
		Chunking   bool `yaml:"chunking"`
		VRFYEXPN   bool `yaml:"vrfyExpn"`
	} `yaml:"features"`

	Policy struct {
		SenderAllow    []string `yaml:"senderAllow"`
		SenderBlock    []string `yaml:"senderBlock"`
		RecipientAllow []string `yaml:"recipientAllow"`
		RecipientBlock []string `yaml:"recipientBlock"`
	} `yaml:"policy"`

	SpamFilter struct {
		RBLZones        []string `yaml:"rblZones"`
		RBLResolver     string   `yaml:"rblResolver"`
		RBLWeight       float64  `yaml:"rblWeight"`
		SpamThreshold   float64  `yaml:"spamThreshold"`
		QuarantineScore float64  `yaml:"quarantineThreshold"`
		RejectScore     float64  `yaml:"rejectThreshold"`
	} `yaml:"spamFilter"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Listen  string `yaml:"listen"`
	} `yaml:"metrics"`

	Cluster struct {
		Enabled           bool     `yaml:"enabled"`
		NodeID            string   `yaml:"nodeID"`
		Endpoint          string   `yaml:"endpoint"`
		TransportPort     int      `yaml:"transportPort"`
		SeedEndpoint      string   `yaml:"seedEndpoint"`
		ReplicationFactor int      `yaml:"replicationFactor"`
		QuorumSize        int      `yaml:"quorumSize"`
	} `yaml:"cluster"`

	Accounts []struct {
		Identity string `yaml:"identity"`
		Password string `yaml:"password"`
	} `yaml:"accounts"`
}

// LoadFileConfig reads and parses the YAML configuration at path.
func LoadFileConfig(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %q - %w", path, err)
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %q - %w", path, err)
	}
	return &cfg, nil
}
