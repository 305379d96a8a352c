// Package mqtt publishes the bridge to Home Assistant as an MQTT device.
//
// On every (re-)connect the publisher sends retained discovery configs
// for each sensor, then an "online" birth message on the availability
// topic; a will message flips it to "offline" if the process dies.
// Sensor states are pushed periodically and immediately after every
// session transition. Daily message counters are fed from the
// operational events bus.
//
// Connection management is Eclipse Paho v2's [autopaho], which
// reconnects automatically.
package mqtt
