// Package queryir provides the filter predicates and query descriptors
// handed from the manager layer to a query executor.
//
// A filter is a *Q: a tree.Node whose default connector is AND and whose
// leaves are Condition values. Q values compose without mutating their
// operands:
//
//	adults := queryir.Where(queryir.C("age__gte", 18))
//	named := queryir.Where(queryir.C("name__startswith", "A"))
//	f := adults.And(named.Not())
//	// (AND: age__gte=18, (NOT (AND: name__startswith="A")))
//
// Callers that need scoped construction can work on the embedded node
// directly (StartSubtree, Add, EndSubtree); Validate rejects a filter whose
// subtrees were left open.
//
// A Select describes what the executor should fetch: the source entity,
// the filter, ordering and projection. It carries no SQL; turning a Select
// into statements is the executor's job.
package queryir
