// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mqtt

import (
	"errors"
	"fmt"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// Standard errors.
var (
	ErrNotConnected         = errors.New("mqtt: not connected")
	ErrAlreadyConnected     = errors.New("mqtt: already connected")
	ErrConnectionLost       = errors.New("mqtt: connection lost")
	ErrTimeout              = errors.New("mqtt: operation timed out")
	ErrInvalidQoS           = errors.New("mqtt: invalid QoS level")
	ErrInvalidTopic         = errors.New("mqtt: invalid topic")
	ErrNoServers            = errors.New("mqtt: no servers configured")
	ErrUnsupportedScheme    = errors.New("mqtt: unsupported scheme")
	ErrSubscriptionRejected = errors.New("mqtt: subscription rejected by broker")
)

// ReturnCode is an MQTT 3.1.1 CONNACK return code.
type ReturnCode byte

// CONNACK return codes.
const (
	ReturnAccepted              ReturnCode = 0x00
	ReturnBadProtocolVersion    ReturnCode = 0x01
	ReturnIdentifierRejected    ReturnCode = 0x02
	ReturnServerUnavailable     ReturnCode = 0x03
	ReturnBadUsernameOrPassword ReturnCode = 0x04
	ReturnNotAuthorised         ReturnCode = 0x05
	ReturnNetworkError          ReturnCode = 0xFE
	ReturnProtocolViolation     ReturnCode = 0xFF
)

// String returns the text shown to the user for a refused connection.
func (r ReturnCode) String() string {
	switch r {
	case ReturnAccepted:
		return "Connection accepted"
	case ReturnBadProtocolVersion:
		return "Incorrect protocol version"
	case ReturnIdentifierRejected:
		return "Invalid client identifier"
	case ReturnServerUnavailable:
		return "Server unavailable"
	case ReturnBadUsernameOrPassword:
		return "Bad username or password"
	case ReturnNotAuthorised:
		return "Not authorised"
	case ReturnNetworkError:
		return "Network error"
	case ReturnProtocolViolation:
		return "Protocol violation"
	default:
		return fmt.Sprintf("Unknown return code: 0x%02X", byte(r))
	}
}

// ConnectError represents a refused or failed connection attempt.
type ConnectError struct {
	Code ReturnCode
	Err  error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("mqtt: connection refused: %s (0x%02X)", e.Code.String(), byte(e.Code))
}

// Unwrap returns the underlying client error.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// returnCodeOf recovers the CONNACK code from an error produced by the paho
// client. ok is false for errors that did not come from a CONNACK.
func returnCodeOf(err error) (ReturnCode, bool) {
	for code, known := range packets.ConnErrors {
		if known != nil && errors.Is(err, known) {
			return ReturnCode(code), true
		}
	}
	return 0, false
}
