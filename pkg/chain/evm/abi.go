package evm

import (
	"fmt"
	"strings"

	"github.com/ava-labs/libevm/accounts/abi"
)

// CoordinatorABI covers the coordinator views and events the keeper consumes.
const CoordinatorABI = `[
	{"type":"function","name":"totalWindowSize","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"numNetworks","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"networkAt","stateMutability":"view","inputs":[{"name":"index","type":"uint256"}],"outputs":[{"name":"","type":"bytes32"}]},
	{"type":"function","name":"numJobs","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"jobAt","stateMutability":"view","inputs":[{"name":"index","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"event","name":"AddNetwork","anonymous":false,"inputs":[{"name":"network","type":"bytes32","indexed":true},{"name":"windowSize","type":"uint256","indexed":false}]},
	{"type":"event","name":"RemoveNetwork","anonymous":false,"inputs":[{"name":"network","type":"bytes32","indexed":true}]},
	{"type":"event","name":"AddJob","anonymous":false,"inputs":[{"name":"job","type":"address","indexed":true}]},
	{"type":"event","name":"RemoveJob","anonymous":false,"inputs":[{"name":"job","type":"address","indexed":true}]}
]`

// JobABI covers the workability predicate every job exposes.
const JobABI = `[
	{"type":"function","name":"workable","stateMutability":"nonpayable","inputs":[{"name":"network","type":"bytes32"}],"outputs":[{"name":"canWork","type":"bool"},{"name":"args","type":"bytes"}]}
]`

// RegistryABI covers the work entry point of the job registry.
const RegistryABI = `[
	{"type":"function","name":"work","stateMutability":"nonpayable","inputs":[{"name":"job","type":"address"},{"name":"args","type":"bytes"}],"outputs":[]}
]`

// ParseABI parses a JSON ABI definition.
func ParseABI(def string) (abi.ABI, error) {
	a, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse abi: %w", err)
	}
	return a, nil
}

func mustParseABI(def string) abi.ABI {
	a, err := ParseABI(def)
	if err != nil {
		panic(err)
	}
	return a
}

var (
	coordinatorABI = mustParseABI(CoordinatorABI)
	jobABI         = mustParseABI(JobABI)
)
