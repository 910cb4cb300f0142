package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"

	"github.com/Poly-pay/polypay-app-sub000/client"
	"github.com/Poly-pay/polypay-app-sub000/executor"
)

var executeCmd = &cobra.Command{
	Use:   "execute <txId>",
	Short: "Submit a READY transaction to the multisig contract",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecute,
}

func init() {
	executeCmd.Flags().String("api", "", "Base URL of a running transaction API")
	executeCmd.Flags().String("rpc", "", "Ethereum JSON-RPC endpoint")
	must(settings.BindPFlag("api.base_url", executeCmd.Flags().Lookup("api")))
	must(settings.BindPFlag("chain.rpc_url", executeCmd.Flags().Lookup("rpc")))
}

func runExecute(cmd *cobra.Command, args []string) error {
	c, logger, err := load()
	if err != nil {
		return err
	}
	if err := c.Chain.Validate(); err != nil {
		return err
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(c.Chain.PrivateKey, "0x"))
	if err != nil {
		return fmt.Errorf("parsing chain.private_key: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	eth, err := ethclient.DialContext(ctx, c.Chain.RPCURL)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.Chain.RPCURL, err)
	}
	defer eth.Close()

	api := client.NewHTTPClient(c.API.BaseURL, c.API.Timeout)
	exec, err := executor.New(eth, api, executor.Config{
		Contract:       common.HexToAddress(c.Chain.ContractAddress),
		ChainID:        big.NewInt(c.Chain.ChainID),
		PrivateKey:     key,
		GasLimit:       c.Chain.GasLimit,
		ReceiptPoll:    c.Chain.ReceiptPoll,
		ReceiptTimeout: c.Chain.ReceiptTimeout,
	}, logger)
	if err != nil {
		return err
	}

	res, err := exec.Execute(ctx, args[0])
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(res)
}
