// Package queryfi contains the shared types and errors of the QueryFi
// micropayment core: the off-chain state-channel client, the payment
// accumulator, the settlement coordinator, and the on-chain settlement
// contract state machine live in subpackages and exchange the values
// defined here.
package queryfi
