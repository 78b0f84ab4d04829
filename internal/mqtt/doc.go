// Package mqtt bridges mailroom to an MQTT broker.
//
// Outbound, the [Publisher] drains the in-process [events.Bus] and
// publishes each event as JSON under <prefix>/<business>/<kind>.
// Snapshots (the latest reconciliation result, the current voice
// profile) are retained so a dashboard that connects later sees them
// immediately.
//
// Inbound, when enabled, it subscribes to <prefix>/+/send_events and
// hands each decoded send event to a [SendEventSink], normally the
// learning pipeline. The business segment of the topic is
// authoritative.
//
// Connection management uses Eclipse Paho v2's [autopaho] package. On
// every (re-)connect the publisher announces "online" on
// <prefix>/availability and re-subscribes; a will message flips it to
// "offline" on unexpected disconnects.
package mqtt
