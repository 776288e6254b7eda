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

package modbus

import (
	"fmt"
	"sort"
)

// MEIReadDeviceID is the MEI type of Read Device Identification (FC2B).
const MEIReadDeviceID uint8 = 0x0E

// ReadDeviceIDCode selects the access type of a Read Device Identification request.
type ReadDeviceIDCode uint8

const (
	ReadDeviceIDBasic      ReadDeviceIDCode = 0x01
	ReadDeviceIDRegular    ReadDeviceIDCode = 0x02
	ReadDeviceIDExtended   ReadDeviceIDCode = 0x03
	ReadDeviceIDIndividual ReadDeviceIDCode = 0x04
)

// Identification object IDs.
const (
	ObjectVendorName          uint8 = 0x00
	ObjectProductCode         uint8 = 0x01
	ObjectMajorMinorRevision  uint8 = 0x02
	ObjectVendorURL           uint8 = 0x03
	ObjectProductName         uint8 = 0x04
	ObjectModelName           uint8 = 0x05
	ObjectUserApplicationName uint8 = 0x06
)

// Run indicator status reported by Report Server ID.
const runIndicatorOn = 0xFF

// DeviceIdentity is the static identification of the simulated device.
// It must not be modified once handed to a server.
type DeviceIdentity struct {
	VendorName          string
	ProductCode         string
	MajorMinorRevision  string
	VendorURL           string
	ProductName         string
	ModelName           string
	UserApplicationName string

	// Extended holds private objects, keyed 0x80-0xFF.
	Extended map[uint8]string
}

// DefaultIdentity returns the identification the simulator ships with.
func DefaultIdentity() *DeviceIdentity {
	return &DeviceIdentity{
		VendorName:         "ModbusPalGUI",
		ProductCode:        "MPG",
		MajorMinorRevision: "1.0",
		VendorURL:          "http://localhost",
		ProductName:        "ModbusPal Inspired Server",
		ModelName:          "ModbusPalGUI",
	}
}

// Objects returns the identification objects by ID. Basic objects are
// always present; regular and extended objects only when set.
func (d *DeviceIdentity) Objects() map[uint8]string {
	objs := map[uint8]string{
		ObjectVendorName:         d.VendorName,
		ObjectProductCode:        d.ProductCode,
		ObjectMajorMinorRevision: d.MajorMinorRevision,
	}
	for id, v := range map[uint8]string{
		ObjectVendorURL:           d.VendorURL,
		ObjectProductName:         d.ProductName,
		ObjectModelName:           d.ModelName,
		ObjectUserApplicationName: d.UserApplicationName,
	} {
		if v != "" {
			objs[id] = v
		}
	}
	for id, v := range d.Extended {
		if id >= 0x80 && v != "" {
			objs[id] = v
		}
	}
	return objs
}

func (d *DeviceIdentity) conformityLevel() uint8 {
	for id := range d.Extended {
		if id >= 0x80 {
			return 0x83
		}
	}
	return 0x82
}

// lastObjectID is the highest object ID streamed for an access type.
func lastObjectID(code ReadDeviceIDCode) uint8 {
	switch code {
	case ReadDeviceIDBasic:
		return ObjectMajorMinorRevision
	case ReadDeviceIDRegular:
		return 0x7F
	default:
		return 0xFF
	}
}

// readDeviceID encodes the FC2B/0x0E response body (everything after the
// function code). Streams that do not fit in one PDU set MoreFollows and
// NextObjectID so the client can continue from there.
func (d *DeviceIdentity) readDeviceID(code ReadDeviceIDCode, objectID uint8) ([]byte, error) {
	objs := d.Objects()

	var ids []uint8
	if code == ReadDeviceIDIndividual {
		if _, ok := objs[objectID]; !ok {
			return nil, fmt.Errorf("%w: no identification object 0x%02X", ErrIllegalDataAddress, objectID)
		}
		ids = []uint8{objectID}
	} else {
		last := lastObjectID(code)
		for id := range objs {
			if id <= last {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		// An unknown start object restarts the stream at the beginning.
		start := 0
		if _, ok := objs[objectID]; ok && objectID <= last {
			for i, id := range ids {
				if id == objectID {
					start = i
					break
				}
			}
		}
		ids = ids[start:]
	}

	const headerLen = 6
	body := []byte{MEIReadDeviceID, byte(code), d.conformityLevel(), 0x00, 0x00, 0x00}
	for i, id := range ids {
		value := objs[id]
		if len(value) > MaxPDUSize-1-headerLen-2 {
			value = value[:MaxPDUSize-1-headerLen-2]
		}
		if len(body)+2+len(value) > MaxPDUSize-1 {
			body[3] = 0xFF // more follows
			body[4] = ids[i]
			break
		}
		body = append(body, id, byte(len(value)))
		body = append(body, value...)
		body[5]++
	}
	return body, nil
}

// serverID encodes the FC11 response body: byte count, server ID, run indicator.
func (d *DeviceIdentity) serverID() []byte {
	id := []byte(d.ProductCode)
	if len(id) > MaxPDUSize-3 {
		id = id[:MaxPDUSize-3]
	}
	body := make([]byte, 0, 2+len(id))
	body = append(body, byte(len(id)+1))
	body = append(body, id...)
	return append(body, runIndicatorOn)
}
