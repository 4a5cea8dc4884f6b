/*
Package main in the directory config_gen implements a tool to read a
cluster template and generate one configuration file per node. The
generated files carry the ED25519 transport keys, the long-term DKG
keys, and the static threshold group the cluster bootstraps from.
*/
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gitzhang10/LLMQ/sign"
)

var (
	flagTemplate string
	flagOutput   string
)

var rootCmd = &cobra.Command{
	Use:   "config_gen",
	Short: "generate per-node cluster configuration files",
	Long: "config_gen reads a cluster template, generates fresh transport, " +
		"DKG and threshold keys, and writes one YAML file per node that the " +
		"node binary loads at startup.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return generate()
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagTemplate, "template", "config_template",
		"name of the template file to read, without extension")
	rootCmd.Flags().StringVar(&flagOutput, "output", ".",
		"directory the per-node files are written to")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func generate() error {
	viperRead := viper.New()

	// for environment variables
	viperRead.SetEnvPrefix("")
	viperRead.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperRead.SetEnvKeyReplacer(replacer)
	viperRead.SetConfigName(flagTemplate)
	viperRead.AddConfigPath("./")
	if err := viperRead.ReadInConfig(); err != nil {
		return err
	}

	// deal with cluster_ips as a string map
	clusterMapInterface := viperRead.GetStringMap("cluster_ips")
	clusterAddr := make(map[string]string, len(clusterMapInterface))
	for name, addr := range clusterMapInterface {
		addrAsString, ok := addr.(string)
		if !ok {
			return fmt.Errorf("cluster ip of %s cannot be decoded correctly", name)
		}
		clusterAddr[name] = addrAsString
	}
	if len(clusterAddr) == 0 {
		return fmt.Errorf("template %s names no cluster members", flagTemplate)
	}

	// deal with peers_p2p_port as a string map
	portMapInterface := viperRead.GetStringMap("peers_p2p_port")
	if len(portMapInterface) != len(clusterAddr) {
		return fmt.Errorf("peers_p2p_port does not match with cluster_ips")
	}
	clusterPort := make(map[string]int, len(portMapInterface))
	for name := range clusterAddr {
		portAsInterface, ok := portMapInterface[name]
		if !ok {
			return fmt.Errorf("peers_p2p_port has no entry for %s", name)
		}
		portAsInt, ok := portAsInterface.(int)
		if !ok {
			return fmt.Errorf("p2p port of %s is not an int", name)
		}
		clusterPort[name] = portAsInt
	}

	// Sorted names double as the share index space, so member i of the
	// sorted order must receive threshold share i.
	names := make([]string, 0, len(clusterAddr))
	for name := range clusterAddr {
		names = append(names, name)
	}
	sort.Strings(names)

	// create the ED25519 and the long-term DKG keys
	privKeysED25519 := make(map[string]string, len(names))
	pubKeysED25519 := make(map[string]string, len(names))
	privKeysDKG := make(map[string]string, len(names))
	pubKeysDKG := make(map[string]string, len(names))
	for _, name := range names {
		privKeyED, pubKeyED := sign.GenED25519Keys()
		privKeysED25519[name] = hex.EncodeToString(privKeyED)
		pubKeysED25519[name] = hex.EncodeToString(pubKeyED)

		dkgPriv, dkgPub := sign.GenDKGKeys()
		privAsBytes, err := sign.EncodeDKGPrivateKey(dkgPriv)
		if err != nil {
			return fmt.Errorf("fail to encode the DKG private key of %s: %w", name, err)
		}
		pubAsBytes, err := sign.EncodeDKGPublicKey(dkgPub)
		if err != nil {
			return fmt.Errorf("fail to encode the DKG public key of %s: %w", name, err)
		}
		privKeysDKG[name] = hex.EncodeToString(privAsBytes)
		pubKeysDKG[name] = hex.EncodeToString(pubAsBytes)
	}

	// create the static threshold group
	nodeNumber := len(names)
	numT := nodeNumber - nodeNumber/3
	shares, pubPoly := sign.GenTSKeys(numT, nodeNumber)
	tsPubKeyAsBytes, err := sign.EncodeTSPublicKey(pubPoly)
	if err != nil {
		return fmt.Errorf("fail to encode the TSPublicKey: %w", err)
	}

	// load simple parameters
	maxPool := viperRead.GetInt("max_pool")
	logLevel := viperRead.GetInt("log_level")
	blockIntervalMs := viperRead.GetInt("block_interval_ms")
	chainLockEnabled := viperRead.GetBool("chainlock_enabled")
	chainLockSigning := viperRead.GetBool("chainlock_signing")
	metricsPortBase := viperRead.GetInt("metrics_port_base")
	storePathPrefix := viperRead.GetString("store_path_prefix")
	quorumTypes := viperRead.GetIntSlice("quorum_types")
	for _, t := range quorumTypes {
		if t <= 0 || t > 255 {
			return fmt.Errorf("quorum type %d is out of range", t)
		}
	}

	// write the configuration files
	for i, name := range names {
		shareAsBytes, err := sign.EncodeTSPartialKey(shares[i])
		if err != nil {
			return fmt.Errorf("fail to encode the share of %s: %w", name, err)
		}

		viperWrite := viper.New()
		viperWrite.SetConfigFile(filepath.Join(flagOutput, name+".yaml"))
		viperWrite.Set("name", name)
		viperWrite.Set("max_pool", maxPool)
		viperWrite.Set("log_level", logLevel)
		viperWrite.Set("block_interval_ms", blockIntervalMs)
		viperWrite.Set("chainlock_enabled", chainLockEnabled)
		viperWrite.Set("chainlock_signing", chainLockSigning)
		viperWrite.Set("quorum_types", quorumTypes)
		viperWrite.Set("cluster_ips", clusterAddr)
		viperWrite.Set("peers_p2p_port", clusterPort)
		viperWrite.Set("privkeyed", privKeysED25519[name])
		viperWrite.Set("cluster_pubkeyed", pubKeysED25519)
		viperWrite.Set("privkeydkg", privKeysDKG[name])
		viperWrite.Set("cluster_pubkeydkg", pubKeysDKG)
		viperWrite.Set("tsshare", hex.EncodeToString(shareAsBytes))
		viperWrite.Set("tspubkey", hex.EncodeToString(tsPubKeyAsBytes))
		if metricsPortBase > 0 {
			viperWrite.Set("metrics_port", metricsPortBase+i)
		} else {
			viperWrite.Set("metrics_port", 0)
		}
		if storePathPrefix != "" {
			viperWrite.Set("store_path", filepath.Join(storePathPrefix, name))
		} else {
			viperWrite.Set("store_path", "")
		}
		if err := viperWrite.WriteConfig(); err != nil {
			return fmt.Errorf("fail to write the config of %s: %w", name, err)
		}
		fmt.Printf("wrote %s with share index %s\n",
			filepath.Join(flagOutput, name+".yaml"), strconv.Itoa(i))
	}
	return nil
}
