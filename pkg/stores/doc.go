// Package stores persists provisioning run history. Every invocation is
// recorded with the stage it reached, the provider resource id, and the
// outcome, so an operator can always answer "did that run leave a billable
// resource behind" after the fact.
package stores
