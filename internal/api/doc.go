// Package api exposes the custody core over REST so external agent
// runtimes can create identities and drive transaction submissions.
package api
