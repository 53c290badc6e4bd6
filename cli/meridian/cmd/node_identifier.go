package cmd

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"
)

func newNodeIdentifierCmd() *cobra.Command {
	var file string
	var cmd = &cobra.Command{
		Use:   "identifier",
		Short: "Returns the ID of the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return identifierRunFunc(cmd, file)
		},
	}
	cmd.Flags().StringVarP(&file, keyFileCmdFlag, "k", "", "path to the key file")
	err := cmd.MarkFlagRequired(keyFileCmdFlag)
	if err != nil {
		panic(err)
	}
	return cmd
}

func identifierRunFunc(cmd *cobra.Command, file string) error {
	keys, err := LoadKeys(file, false, false)
	if err != nil {
		return fmt.Errorf("failed to load keys %s: %w", file, err)
	}
	id, err := peer.IDFromPublicKey(keys.AuthPrivKey.GetPublic())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", id)
	return nil
}
