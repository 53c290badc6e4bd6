package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/spf13/cobra"

	"github.com/meridian-network/meridian/blockstore"
	"github.com/meridian-network/meridian/logger"
	"github.com/meridian-network/meridian/network"
	"github.com/meridian-network/meridian/observability"
	"github.com/meridian-network/meridian/regions"
	"github.com/meridian-network/meridian/validator"
)

const (
	blockStoreFileName = "blocks.db"
	bootNodesCmdFlag   = "bootnodes"
)

type (
	nodeConfig struct {
		Base *baseConfiguration
		Keys *keysConfig

		Address             string        // node address (libp2p multiaddress format)
		AnnounceAddresses   []string      // addresses announced to other peers (libp2p multiaddress format)
		BootStrapAddresses  string        // bootstrap node addresses (id@libp2p-multiaddress format)
		StoragePath         string        // path to Bolt block store file
		Region              string        // region the node proposes and verifies for
		Rotation            []string      // region rotation order of the network
		RPCServerAddress    string        // address of the status and metrics API
		GenesisTime         string        // timestamp of the first round (RFC3339)
		BackfillInterval    time.Duration // how often missing blocks are requested
		MaxBackfillRequests int           // block count cap for a single backfill request
	}

	// nodeRunnable is the function that is run after configuration is loaded.
	nodeRunnable func(ctx context.Context, nodeConfig *nodeConfig) error
)

// newNodeCmd creates a new cobra command for a validator node.
//
// nodeRunFn - set the function to run or use a default "defaultNodeRunFunc" if nil
func newNodeCmd(baseConfig *baseConfiguration, nodeRunFn nodeRunnable) *cobra.Command {
	config := &nodeConfig{
		Base: baseConfig,
		Keys: NewKeysConf(baseConfig),
	}
	var cmd = &cobra.Command{
		Use:   "node",
		Short: "Starts a validator node",
		Long:  `Starts a validator node, joining the peer to peer network and proposing, verifying and committing blocks for its region.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if nodeRunFn != nil {
				return nodeRunFn(cmd.Context(), config)
			}
			return defaultNodeRunFunc(cmd.Context(), config)
		},
	}

	config.Keys.addCmdFlags(cmd)
	cmd.Flags().StringVarP(&config.Address, "address", "a", "/ip4/127.0.0.1/tcp/26652", "node address in libp2p multiaddress-format")
	cmd.Flags().StringSliceVar(&config.AnnounceAddresses, "announce-addresses", nil, "node addresses announced to peers, the listen address is used if not set (libp2p multiaddress-format)")
	cmd.Flags().StringVar(&config.BootStrapAddresses, bootNodesCmdFlag, "", "comma separated list of bootstrap node addresses id@libp2p-multiaddress-format")
	cmd.Flags().StringVar(&config.StoragePath, "db", "", "path to the block database (default: $MRD_HOME/"+blockStoreFileName+")")
	cmd.Flags().StringVar(&config.Region, "region", "", "region this node validates for, must be one of the rotation")
	cmd.Flags().StringSliceVar(&config.Rotation, "regions", regions.Default(), "region rotation order of the network")
	cmd.Flags().StringVar(&config.RPCServerAddress, "rpc-server-address", "", `server address of the status and metrics API, disabled when not set. Example: "localhost:8002"`)
	cmd.Flags().StringVar(&config.GenesisTime, "genesis-time", "", "timestamp of the first round in RFC3339 format, rounds start immediately when not set")
	cmd.Flags().DurationVar(&config.BackfillInterval, "backfill-interval", validator.DefaultBackfillInterval, "how often missing blocks are requested from peers")
	cmd.Flags().IntVar(&config.MaxBackfillRequests, "max-backfill-requests", validator.DefaultMaxBackfillRequests, "maximum number of blocks requested in one backfill batch")
	return cmd
}

// splitAndTrim splits input separated by a comma and trims excessive white space from the substrings.
func splitAndTrim(input string) (ret []string) {
	l := strings.Split(input, ",")
	for _, r := range l {
		if r = strings.TrimSpace(r); r != "" {
			ret = append(ret, r)
		}
	}
	return ret
}

func (c *nodeConfig) getStorageFilePath() string {
	if c.StoragePath != "" {
		return c.StoragePath
	}
	return filepath.Join(c.Base.HomeDir, blockStoreFileName)
}

// getGenesisTime parses the genesis time flag, zero time means rounds
// start immediately.
func (c *nodeConfig) getGenesisTime() (time.Time, error) {
	if c.GenesisTime == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, c.GenesisTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid genesis time %q: %w", c.GenesisTime, err)
	}
	return t, nil
}

func getBootStrapNodes(bootNodesStr string) ([]peer.AddrInfo, error) {
	if bootNodesStr == "" {
		return []peer.AddrInfo{}, nil
	}
	nodeStrings := splitAndTrim(bootNodesStr)
	bootNodes := make([]peer.AddrInfo, len(nodeStrings))
	for i, str := range nodeStrings {
		l := strings.Split(str, "@")
		if len(l) != 2 {
			return nil, fmt.Errorf("invalid bootstrap node parameter: %s", str)
		}
		id, err := peer.Decode(l[0])
		if err != nil {
			return nil, fmt.Errorf("invalid bootstrap node id: %s", l[0])
		}
		addr, err := ma.NewMultiaddr(l[1])
		if err != nil {
			return nil, fmt.Errorf("invalid bootstrap node address: %s", l[1])
		}
		bootNodes[i].ID = id
		bootNodes[i].Addrs = []ma.Multiaddr{addr}
	}
	return bootNodes, nil
}

func defaultNodeRunFunc(ctx context.Context, config *nodeConfig) error {
	if !slices.Contains(config.Rotation, config.Region) {
		return fmt.Errorf("region %q is not in the rotation %v", config.Region, config.Rotation)
	}

	keys, err := LoadKeys(config.Keys.GetKeyFileLocation(), config.Keys.GenerateKeys, config.Keys.ForceGeneration)
	if err != nil {
		return fmt.Errorf("loading keys from %s: %w", config.Keys.GetKeyFileLocation(), err)
	}
	keyPair, err := keys.getAuthKeyPair()
	if err != nil {
		return fmt.Errorf("reading key pair: %w", err)
	}
	bootNodes, err := getBootStrapNodes(config.BootStrapAddresses)
	if err != nil {
		return fmt.Errorf("boot nodes parameter error: %w", err)
	}
	peerConf, err := network.NewPeerConfiguration(config.Address, config.AnnounceAddresses, keyPair, bootNodes)
	if err != nil {
		return fmt.Errorf("creating peer configuration: %w", err)
	}

	log := config.Base.observe.Logger().With(logger.NodeID(peerConf.ID))
	obs := observability.WithLogger(config.Base.observe, log)

	if !regions.Valid(config.Region) {
		log.Warn(fmt.Sprintf("region %q is not in the site catalog", config.Region))
	}

	self, err := network.NewPeer(ctx, peerConf, log, obs.PrometheusRegisterer())
	if err != nil {
		return fmt.Errorf("creating peer: %w", err)
	}
	defer func() {
		if err := self.Close(); err != nil {
			log.Warn("closing peer", logger.Error(err))
		}
	}()

	store, err := blockstore.New(config.getStorageFilePath())
	if err != nil {
		return fmt.Errorf("opening block store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("closing block store", logger.Error(err))
		}
	}()

	genesisTime, err := config.getGenesisTime()
	if err != nil {
		return err
	}

	node, err := validator.New(ctx, validator.Conf{
		Peer:                self,
		Store:               store,
		Region:              config.Region,
		Rotation:            config.Rotation,
		HTTPAddr:            config.RPCServerAddress,
		GenesisTime:         genesisTime,
		BackfillInterval:    config.BackfillInterval,
		MaxBackfillRequests: config.MaxBackfillRequests,
	}, obs)
	if err != nil {
		return fmt.Errorf("creating node: %w", err)
	}
	return node.Run(ctx)
}
