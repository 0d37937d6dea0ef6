// Package log defines the logging interface and typed logging fields used
// across lib-dispatch.
//
// Adapters (such as the zap package) implement Logger so components can keep
// logging calls consistent across backends.
package log
