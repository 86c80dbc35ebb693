// Package match decides which governance policy, if any, applies to a
// request. Traffic markers (servicecomb.matchGroup.<name>) describe request
// predicates; a policy applies when the marker sharing its name accepts the
// request.
package match
