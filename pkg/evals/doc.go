// Package evals runs agent variants against test suites and compares the
// results. Each test case drives the agent exactly as an external caller
// would: send a message, capture the full event stream, then score the
// captured transcript with a configurable list of evaluators.
package evals
