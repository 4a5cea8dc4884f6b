/*
Package config implements the type to pass the arguments to the node
and implements a function to load the parameters from a configuration file.
*/
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"

	"github.com/gitzhang10/LLMQ/sign"
)

// Config defines a type to describe the configuration of one node.
type Config struct {
	Name                 string
	MaxPool              int
	ClusterAddr          map[string]string // map from name to address
	ClusterPort          map[string]int    // map from name to port
	ClusterAddrWithPorts map[string]uint8  // map from addr:port to index

	// ED25519 keys authenticate transport envelopes between peers.
	PublicKeyMap map[string]ed25519.PublicKey
	PrivateKey   ed25519.PrivateKey

	// Static bootstrap threshold key. Signing requests fall back to this
	// group until the first DKG-formed quorum is registered.
	TsPublicKey  *share.PubPoly
	TsPrivateKey *share.PriShare

	// Long-term DKG keys. Deals inside contribution messages are encrypted
	// against the receiver's long-term public key.
	DKGPublicKeyMap map[string]kyber.Point
	DKGPrivateKey   kyber.Scalar

	// QuorumTypes lists the quorum families this cluster runs DKG sessions
	// for. The first entry is the family that signs chain locks.
	QuorumTypes []uint8

	ChainLockEnabled        bool
	ChainLockSigningEnabled bool

	// StorePath is the LevelDB directory for commitments and the best
	// chain lock. Empty keeps everything in memory.
	StorePath string

	// MetricsPort is the HTTP port serving /metrics. Zero disables it.
	MetricsPort int

	// BlockInterval is the cadence of the round-robin block producer.
	// Zero disables block production on this node.
	BlockInterval time.Duration

	LogLevel int
}

// New creates a new variable of type Config for the in-process cluster
// tests. Store stays in memory, chain locks are fully enabled, and the
// producer cadence is left for the caller to set.
func New(name string, maxPool int, clusterAddr map[string]string, clusterPort map[string]int,
	publicKeyMap map[string]ed25519.PublicKey, privateKey ed25519.PrivateKey,
	tsPublicKey *share.PubPoly, tsPrivateKey *share.PriShare,
	dkgPublicKeyMap map[string]kyber.Point, dkgPrivateKey kyber.Scalar,
	quorumTypes []uint8, logLevel int) *Config {
	return &Config{
		Name:                    name,
		MaxPool:                 maxPool,
		ClusterAddr:             clusterAddr,
		ClusterPort:             clusterPort,
		ClusterAddrWithPorts:    BuildAddrIndex(clusterAddr, clusterPort),
		PublicKeyMap:            publicKeyMap,
		PrivateKey:              privateKey,
		TsPublicKey:             tsPublicKey,
		TsPrivateKey:            tsPrivateKey,
		DKGPublicKeyMap:         dkgPublicKeyMap,
		DKGPrivateKey:           dkgPrivateKey,
		QuorumTypes:             quorumTypes,
		ChainLockEnabled:        true,
		ChainLockSigningEnabled: true,
		LogLevel:                logLevel,
	}
}

// SortedNames returns the cluster member names in lexical order. Every
// node derives the same order, so it doubles as the member index space.
func (c *Config) SortedNames() []string {
	names := make([]string, 0, len(c.ClusterAddr))
	for name := range c.ClusterAddr {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildAddrIndex maps every member's addr:port to its index in the sorted
// name order.
func BuildAddrIndex(clusterAddr map[string]string, clusterPort map[string]int) map[string]uint8 {
	names := make([]string, 0, len(clusterAddr))
	for name := range clusterAddr {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make(map[string]uint8, len(names))
	for i, name := range names {
		out[clusterAddr[name]+":"+strconv.Itoa(clusterPort[name])] = uint8(i)
	}
	return out
}

// LoadConfig loads configuration files by package viper.
func LoadConfig(configPrefix, configName string) (*Config, error) {
	viperConfig := viper.New()

	// for environment variables
	viperConfig.SetEnvPrefix(configPrefix)
	viperConfig.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperConfig.SetEnvKeyReplacer(replacer)
	viperConfig.SetConfigName(configName)
	viperConfig.AddConfigPath("./")
	err := viperConfig.ReadInConfig()
	if err != nil {
		return nil, err
	}

	privKeyEDAsString := viperConfig.GetString("privkeyed")
	privKeyED, err := hex.DecodeString(privKeyEDAsString)
	if err != nil {
		return nil, err
	}

	tsPubKeyAsString := viperConfig.GetString("tspubkey")
	tsPubKeyAsBytes, err := hex.DecodeString(tsPubKeyAsString)
	if err != nil {
		return nil, err
	}
	tsPubKey, err := sign.DecodeTSPublicKey(tsPubKeyAsBytes)
	if err != nil {
		return nil, err
	}

	tsShareAsString := viperConfig.GetString("tsshare")
	tsShareAsBytes, err := hex.DecodeString(tsShareAsString)
	if err != nil {
		return nil, err
	}
	tsShareKey, err := sign.DecodeTSPartialKey(tsShareAsBytes)
	if err != nil {
		return nil, err
	}

	dkgPrivAsString := viperConfig.GetString("privkeydkg")
	dkgPrivAsBytes, err := hex.DecodeString(dkgPrivAsString)
	if err != nil {
		return nil, err
	}
	dkgPriv, err := sign.DecodeDKGPrivateKey(dkgPrivAsBytes)
	if err != nil {
		return nil, err
	}

	conf := &Config{
		Name:                    viperConfig.GetString("name"),
		MaxPool:                 viperConfig.GetInt("max_pool"),
		PrivateKey:              privKeyED,
		TsPublicKey:             tsPubKey,
		TsPrivateKey:            tsShareKey,
		DKGPrivateKey:           dkgPriv,
		ChainLockEnabled:        viperConfig.GetBool("chainlock_enabled"),
		ChainLockSigningEnabled: viperConfig.GetBool("chainlock_signing"),
		StorePath:               viperConfig.GetString("store_path"),
		MetricsPort:             viperConfig.GetInt("metrics_port"),
		BlockInterval:           time.Duration(viperConfig.GetInt("block_interval_ms")) * time.Millisecond,
		LogLevel:                viperConfig.GetInt("log_level"),
	}

	for _, t := range viperConfig.GetIntSlice("quorum_types") {
		if t <= 0 || t > 255 {
			return nil, errors.New("quorum type in the config file is out of range")
		}
		conf.QuorumTypes = append(conf.QuorumTypes, uint8(t))
	}

	peersP2PPortMapString := viperConfig.GetStringMap("peers_p2p_port")
	peersIPsMapString := viperConfig.GetStringMap("cluster_ips")
	pubKeyMapString := viperConfig.GetStringMap("cluster_pubkeyed")
	dkgKeyMapString := viperConfig.GetStringMap("cluster_pubkeydkg")
	pubKeyMap := make(map[string]ed25519.PublicKey, len(pubKeyMapString))
	dkgKeyMap := make(map[string]kyber.Point, len(dkgKeyMapString))
	clusterAddr := make(map[string]string, len(pubKeyMapString))
	clusterPort := make(map[string]int, len(pubKeyMapString))
	for name, pkAsInterface := range pubKeyMapString {
		port, ok := peersP2PPortMapString[name].(int)
		if !ok {
			return nil, errors.New("p2p port in the config file cannot be decoded correctly")
		}
		addr, ok := peersIPsMapString[name].(string)
		if !ok {
			return nil, errors.New("cluster ip in the config file cannot be decoded correctly")
		}
		clusterPort[name] = port
		clusterAddr[name] = addr
		pkAsString, ok := pkAsInterface.(string)
		if !ok {
			return nil, errors.New("public key in the config file cannot be decoded correctly")
		}
		pubKey, err := hex.DecodeString(pkAsString)
		if err != nil {
			return nil, err
		}
		pubKeyMap[name] = pubKey

		dkgAsInterface, ok := dkgKeyMapString[name]
		if !ok {
			return nil, errors.New("cluster member has no DKG public key in the config file")
		}
		dkgAsString, ok := dkgAsInterface.(string)
		if !ok {
			return nil, errors.New("DKG public key in the config file cannot be decoded correctly")
		}
		dkgAsBytes, err := hex.DecodeString(dkgAsString)
		if err != nil {
			return nil, err
		}
		dkgPub, err := sign.DecodeDKGPublicKey(dkgAsBytes)
		if err != nil {
			return nil, err
		}
		dkgKeyMap[name] = dkgPub
	}

	conf.PublicKeyMap = pubKeyMap
	conf.DKGPublicKeyMap = dkgKeyMap
	conf.ClusterPort = clusterPort
	conf.ClusterAddr = clusterAddr
	conf.ClusterAddrWithPorts = BuildAddrIndex(clusterAddr, clusterPort)
	return conf, nil
}
