// Package evaluator decides what to do with an observation.
//
// # Overview
//
// Every issue in a snapshot is reduced to a signature of the form
// {source}:{type}:{identifier}. The evaluator then classifies the signature
// into exactly one outcome:
//
//  1. Suppressed: an active suppression rule matches the signature exactly
//  2. Duplicate: an undecided plan for the signature was created within the
//     cool-down window
//  3. Actionable: everything else, carrying the severity and a context bundle
//     for plan generation
//
// Suppression is checked first, so a suppressed signature is never reported
// as a duplicate.
//
// # Purity
//
// The evaluator never writes. It reads the registry view and the plan store
// and returns decisions; the scheduler persists whatever follows from them.
//
// # Usage
//
//	eval := evaluator.New(evaluator.DefaultConfig(), registry, store)
//	decisions, err := eval.EvaluateAll(ctx, snapshot)
//	for _, d := range decisions {
//	    if d.Outcome == evaluator.OutcomeActionable {
//	        // generate a plan
//	    }
//	}
package evaluator
