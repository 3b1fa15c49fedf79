// Package renewal periodically checks the certificates of active data nodes
// and, depending on the renewal policy, either puts nodes back into the
// provisioning pipeline or asks the operator to renew them.
package renewal
