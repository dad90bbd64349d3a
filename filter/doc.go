// Package filter evaluates where clauses against locally cached objects.
//
// Comparison operators ($eq, $ne, $gt, $lt, $gte, $lte, $in, $isNull,
// $startsWith) are decided exactly. Text and geo operators ($contains,
// $containsAllTerms, $containsAllTermsInOrder, $containsAnyTerm,
// $intersects, $within) need server-side indexes, so they resolve to the
// caller's policy: strict evaluation answers false (never exclude or admit
// on a guess), loose evaluation answers true (the object might match).
package filter
