package report

import (
	"gopkg.in/yaml.v3"
)

type (
	Model struct {
		Root   string  `yaml:"root"`
		Chains []Chain `yaml:"chains"`
	}

	Chain struct {
		ChainID         uint64   `yaml:"chain-id"`
		DeploymentID    string   `yaml:"deployment-id"`
		Status          string   `yaml:"status"`
		ActionsExecuted uint64   `yaml:"actions-executed"`
		TxHashes        []string `yaml:"tx-hashes,omitempty"`
		FinalTxHash     string   `yaml:"final-tx-hash,omitempty"`
		Failure         *Failure `yaml:"failure,omitempty"`
	}

	Failure struct {
		Kind        string             `yaml:"kind"`
		ActionIndex *uint64            `yaml:"action-index,omitempty"`
		TxHash      string             `yaml:"tx-hash,omitempty"`
		Shortfall   string             `yaml:"shortfall-wei,omitempty"`
		Message     SingleQuotedString `yaml:"message"`
	}

	// SingleQuotedString keeps revert reasons with colons or quotes readable.
	SingleQuotedString string
)

func (s SingleQuotedString) MarshalYAML() (any, error) {
	node := &yaml.Node{
		Kind:  yaml.ScalarNode,
		Style: yaml.SingleQuotedStyle,
		Value: string(s),
	}
	return node, nil
}
