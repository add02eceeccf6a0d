// Package bridge exposes foreign DBus objects to a management client.
//
// A [Bridge] accepts method calls as [CallEnvelope] values carrying
// natively typed arguments, converts them to DBus values according to
// the target method's declared signature, and converts the results
// back. Failures are reported as [*Fault], classified by [Kind].
//
// Objects added with [Bridge.AddObject] have their signals relayed
// into an [EventStream], where each [Subscription] receives the
// events matching its [EventFilter] in emission order.
//
// Foreign objects are located through a [Registrar]. [BusRegistrar]
// resolves them on a live bus by introspection. The bridgetest
// package provides an in-memory Registrar for tests.
package bridge
