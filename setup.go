package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/aquachain/anchor-core/config"
	"github.com/aquachain/anchor-core/util"
	"github.com/ethereum/go-ethereum/common"
	"github.com/manifoldco/promptui"
)

func validateOptionalURL(input string) error {
	if input == "" {
		return nil
	}
	return util.ValidateURL(input)
}

func validateAddress(input string) error {
	if !common.IsHexAddress(input) {
		return errors.New("not a hex contract address")
	}
	return nil
}

func validatePort(input string) error {
	port, err := strconv.Atoi(input)
	if err != nil || port < 1 || port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	return nil
}

func setup(path string) error {
	if _, err := os.Stat(path); err == nil {
		overwrite := promptui.Prompt{
			Label:     fmt.Sprintf("%s exists. Overwrite", path),
			IsConfirm: true,
		}
		if _, err := overwrite.Run(); err != nil {
			fmt.Println("Setup aborted, existing config kept")
			return nil
		}
	}

	prompts := []struct {
		key    string
		prompt promptui.Prompt
	}{
		{"rpc_url", promptui.Prompt{Label: "Ledger JSON-RPC URL", Default: "http://127.0.0.1:8545", Validate: util.ValidateURL}},
		{"rpc_ws", promptui.Prompt{Label: "Ledger websocket URL (blank to disable live confirmations)", Validate: validateOptionalURL}},
		{"irrigation_audit_address", promptui.Prompt{Label: "IrrigationAudit contract address", Validate: validateAddress}},
		{"private_key", promptui.Prompt{Label: "Signer private key (blank to use the node's unlocked account)", Mask: '*'}},
		{"port", promptui.Prompt{Label: "API port", Default: "3000", Validate: validatePort}},
	}
	configs := [][2]string{}
	for _, p := range prompts {
		result, err := p.prompt.Run()
		if err != nil {
			return err
		}
		if result == "" {
			continue
		}
		configs = append(configs, [2]string{p.key, result})
	}

	if err := config.WriteConfigFile(path, configs); err != nil {
		return fmt.Errorf("failed writing config: %w", err)
	}
	fmt.Printf("Anchor Core Setup Complete. Run with ./anchor-core serve --config %s\n", path)
	return nil
}
