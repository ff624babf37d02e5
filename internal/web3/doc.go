// Package web3 holds chain connectivity for payment checks: YAML chain
// definitions that map x402 network names to chain ids and token contracts,
// and the Client interface implemented by the EVM adapter in ./ethereum.
package web3
