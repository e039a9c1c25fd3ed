// Package mqtt publishes evchat events to an MQTT broker.
//
// Every confirmed reservation is published once, at QoS 1, to
// <prefix>/reservations/<user_id> so station controllers and dashboards
// can react to it. The publisher also keeps a retained availability
// topic (<prefix>/status, "online"/"offline" with a will message) and
// periodically publishes the day's usage counters to <prefix>/stats.
//
// Connection management, including reconnection, is handled by Eclipse
// Paho v2's [autopaho] package.
package mqtt
