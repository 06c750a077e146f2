package modbus

import (
	"encoding/binary"
	"fmt"
)

const mbapHeaderLen = 7

// MBAP Header (7 Bytes) + Function Code + Data
type ModbusFrame struct {
	TransactionID uint16 // Request/Response Korrelation
	ProtocolID    uint16 // immer 0x0000 für Modbus
	Length        uint16 // Anzahl folgender Bytes inkl. UnitID
	UnitID        uint8
	FunctionCode  uint8
	Data          []byte
}

// Modbus Function Codes
const (
	FuncCodeReadHoldingRegisters = 0x03
	FuncCodeWriteSingleRegister  = 0x06

	exceptionFlag = 0x80
)

// ExceptionError is a Modbus exception response (function code with the high bit set).
type ExceptionError struct {
	FunctionCode  uint8
	ExceptionCode uint8
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus exception 0x%02X on function 0x%02X (%s)",
		e.ExceptionCode, e.FunctionCode, exceptionText(e.ExceptionCode))
}

func exceptionText(code uint8) string {
	switch code {
	case 0x01:
		return "illegal function"
	case 0x02:
		return "illegal data address"
	case 0x03:
		return "illegal data value"
	case 0x04:
		return "server device failure"
	case 0x06:
		return "server device busy"
	default:
		return "unknown"
	}
}

// Encode erstellt das komplette TCP Frame
func (f *ModbusFrame) Encode() []byte {
	f.Length = uint16(len(f.Data) + 2) // UnitID + FunctionCode + Data

	frame := make([]byte, mbapHeaderLen+1+len(f.Data))
	binary.BigEndian.PutUint16(frame[0:2], f.TransactionID)
	binary.BigEndian.PutUint16(frame[2:4], f.ProtocolID)
	binary.BigEndian.PutUint16(frame[4:6], f.Length)
	frame[6] = f.UnitID
	frame[7] = f.FunctionCode
	copy(frame[8:], f.Data)

	return frame
}

// parseHeader reads the MBAP header and returns the frame with the number of bytes still
// to read (function code + data).
func parseHeader(header []byte) (*ModbusFrame, int, error) {
	if len(header) != mbapHeaderLen {
		return nil, 0, fmt.Errorf("header must be %d bytes, got %d", mbapHeaderLen, len(header))
	}
	f := &ModbusFrame{
		TransactionID: binary.BigEndian.Uint16(header[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(header[2:4]),
		Length:        binary.BigEndian.Uint16(header[4:6]),
		UnitID:        header[6],
	}
	if f.ProtocolID != 0x0000 {
		return nil, 0, fmt.Errorf("invalid protocol ID: 0x%04X", f.ProtocolID)
	}
	if f.Length < 2 || f.Length > 254 {
		return nil, 0, fmt.Errorf("invalid length field: %d", f.Length)
	}
	return f, int(f.Length) - 1, nil
}

// DecodeFrame parses a complete frame as received from the wire.
func DecodeFrame(data []byte) (*ModbusFrame, error) {
	if len(data) < mbapHeaderLen+1 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}
	f, rest, err := parseHeader(data[:mbapHeaderLen])
	if err != nil {
		return nil, err
	}
	if len(data)-mbapHeaderLen != rest {
		return nil, fmt.Errorf("length field says %d bytes, got %d", rest, len(data)-mbapHeaderLen)
	}
	f.FunctionCode = data[mbapHeaderLen]
	f.Data = data[mbapHeaderLen+1:]
	return f, nil
}

// Exception returns the exception carried by the frame, nil for a normal response.
func (f *ModbusFrame) Exception() error {
	if f.FunctionCode&exceptionFlag == 0 {
		return nil
	}
	code := uint8(0)
	if len(f.Data) > 0 {
		code = f.Data[0]
	}
	return &ExceptionError{FunctionCode: f.FunctionCode &^ exceptionFlag, ExceptionCode: code}
}

// ReadHoldingRegistersRequest erstellt Request für Function Code 0x03
func ReadHoldingRegistersRequest(unitID uint8, startAddr uint16, quantity uint16) *ModbusFrame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], startAddr)
	binary.BigEndian.PutUint16(data[2:4], quantity)

	return &ModbusFrame{
		UnitID:       unitID,
		FunctionCode: FuncCodeReadHoldingRegisters,
		Data:         data,
	}
}

// WriteSingleRegisterRequest erstellt Request für Function Code 0x06
func WriteSingleRegisterRequest(unitID uint8, addr uint16, value uint16) *ModbusFrame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], addr)
	binary.BigEndian.PutUint16(data[2:4], value)

	return &ModbusFrame{
		UnitID:       unitID,
		FunctionCode: FuncCodeWriteSingleRegister,
		Data:         data,
	}
}

// ParseRegisterResponse parst eine Holding Register Response
func (f *ModbusFrame) ParseRegisterResponse(quantity uint16) ([]uint16, error) {
	if len(f.Data) < 1 {
		return nil, fmt.Errorf("response too short")
	}

	byteCount := int(f.Data[0])
	if byteCount != int(quantity)*2 || len(f.Data) < byteCount+1 {
		return nil, fmt.Errorf("incomplete response data: %d bytes for %d registers", byteCount, quantity)
	}

	registers := make([]uint16, quantity)
	for i := range registers {
		offset := 1 + i*2
		registers[i] = binary.BigEndian.Uint16(f.Data[offset : offset+2])
	}
	return registers, nil
}

// checkWriteEcho verifies that a write response echoes address and value.
func (f *ModbusFrame) checkWriteEcho(addr, value uint16) error {
	if len(f.Data) < 4 {
		return fmt.Errorf("write response too short")
	}
	gotAddr := binary.BigEndian.Uint16(f.Data[0:2])
	gotValue := binary.BigEndian.Uint16(f.Data[2:4])
	if gotAddr != addr || gotValue != value {
		return fmt.Errorf("write echo mismatch: %d=%d, want %d=%d", gotAddr, gotValue, addr, value)
	}
	return nil
}
