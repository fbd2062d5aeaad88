// Package acquire fetches source URLs under politeness constraints. Each URL goes
// through an ordered chain of providers (network, last cached body, bundled fixture)
// and the first one that yields a body wins.
package acquire
