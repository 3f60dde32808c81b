// Package logx is a small zerolog facade. Console output is human readable,
// the optional file sink is JSON, and Service.Apply retargets every derived
// Logger on config reload.
package logx
