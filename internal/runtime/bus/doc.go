// Package bus is the in-memory publish/subscribe primitive every kernel
// component communicates through.
//
// Emissions are serialized. Whichever goroutine publishes first while the
// bus is idle becomes the dispatcher and keeps delivering until the queue
// is empty; publishes issued meanwhile, including from inside a Handler,
// are queued and delivered afterwards in publish order. A Handler must
// therefore never block waiting for a later emission (Request, a
// handshake): run that work on its own goroutine.
//
// Payloads are passed by reference and are not copied. Publishers must not
// mutate a payload after handing it to the bus.
package bus
