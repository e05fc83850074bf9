// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package balboa

import (
	"fmt"
	"strings"
)

// FormatFrame formats a frame and its decoded message into a human-readable string
func FormatFrame(f *Frame) string {
	timestamp := f.Timestamp.Format("15:04:05.000")
	msgType := FormatMessageType(f.Type)

	result := fmt.Sprintf("[%s] %s (0x%02X) ch=0x%02X pf=0x%02X len=%d\n",
		timestamp, msgType, f.Type, f.Channel, f.PF, f.Length())

	msg, err := Decode(f)
	if err != nil {
		result += fmt.Sprintf("  Error: %v\n", err)
		result += fmt.Sprintf("  Payload: % X\n", f.Payload)
		return result
	}
	return result + FormatMessage(msg)
}

// FormatMessageType returns the human-readable name for a message type
func FormatMessageType(msgType uint8) string {
	switch msgType {
	// Channel management
	case MsgNewClientClearToSend:
		return "NEW_CLIENT_CTS"
	case MsgChannelAssignmentRequest:
		return "CHANNEL_ASSIGNMENT_REQUEST"
	case MsgChannelAssignmentResp:
		return "CHANNEL_ASSIGNMENT_RESPONSE"
	case MsgChannelAssignmentAck:
		return "CHANNEL_ASSIGNMENT_ACK"
	case MsgExistingClientRequest:
		return "EXISTING_CLIENT_REQUEST"
	case MsgExistingClientResponse:
		return "EXISTING_CLIENT_RESPONSE"
	case MsgClearToSend:
		return "CLEAR_TO_SEND"
	case MsgNothingToSend:
		return "NOTHING_TO_SEND"

	// Requests
	case MsgControlRequest:
		return "CONTROL_REQUEST"
	case MsgSetTemperature:
		return "SET_TEMPERATURE"
	case MsgSetTime:
		return "SET_TIME"
	case MsgPanelRequest:
		return "PANEL_REQUEST"
	case MsgSetTemperatureScale:
		return "SET_TEMPERATURE_SCALE"

	// Controller data
	case MsgStatusUpdate:
		return "STATUS_UPDATE"
	case MsgFilterCycles:
		return "FILTER_CYCLES"
	case MsgSystemInformation:
		return "SYSTEM_INFORMATION"
	case MsgSetupParameters:
		return "SETUP_PARAMETERS"
	case MsgFaultLog:
		return "FAULT_LOG"
	case MsgDeviceConfiguration:
		return "DEVICE_CONFIGURATION"
	case MsgModuleIdentResponse:
		return "MODULE_IDENTIFICATION"

	default:
		return "UNKNOWN"
	}
}

// FormatControlItem returns the panel name of a control item
func FormatControlItem(item ControlItem) string {
	switch item {
	case ItemPump1, ItemPump2, ItemPump3, ItemPump4, ItemPump5, ItemPump6:
		return fmt.Sprintf("PUMP_%d", item-ItemPump1+1)
	case ItemBlower:
		return "BLOWER"
	case ItemMister:
		return "MISTER"
	case ItemLight1:
		return "LIGHT_1"
	case ItemLight2:
		return "LIGHT_2"
	case ItemAux1:
		return "AUX_1"
	case ItemAux2:
		return "AUX_2"
	case ItemTempRange:
		return "TEMP_RANGE"
	case ItemHeatMode:
		return "HEAT_MODE"
	}
	return fmt.Sprintf("ITEM_0x%02X", uint8(item))
}

var pumpSpeedNames = []string{"Off", "Low", "High", "?"}

// FormatMessage formats the decoded fields of a message, one per line
func FormatMessage(m Message) string {
	var b strings.Builder

	switch msg := m.(type) {
	case *StatusUpdate:
		if c, ok := msg.CurrentTemperature(); ok {
			fmt.Fprintf(&b, "  Temperature: %.1f°C (target %.1f°C, %s)\n", c, msg.TargetTemperature(), msg.Scale)
		} else {
			fmt.Fprintf(&b, "  Temperature: unknown (target %.1f°C, %s)\n", msg.TargetTemperature(), msg.Scale)
		}
		fmt.Fprintf(&b, "  Heat: mode=%s state=%s range=%s\n", msg.HeatMode, msg.HeatState, msg.TempRange)
		fmt.Fprintf(&b, "  Time: %02d:%02d (24h=%t) filter=%d\n", msg.Hour, msg.Minute, msg.Clock24h, msg.FilterMode)
		pumps := make([]string, 0, MaxPumps)
		for i, p := range msg.Pumps {
			pumps = append(pumps, fmt.Sprintf("%d:%s", i+1, pumpSpeedNames[p&0x03]))
		}
		fmt.Fprintf(&b, "  Pumps: %s\n", strings.Join(pumps, " "))
		fmt.Fprintf(&b, "  Lights: %t/%t  Circ: %t  Blower: %d  Mister: %t  Aux: %t/%t\n",
			msg.Lights[0], msg.Lights[1], msg.CircPump, msg.Blower, msg.Mister, msg.Aux[0], msg.Aux[1])
		if msg.Dialect == DialectJacuzzi {
			fmt.Fprintf(&b, "  Date: 20%02d-%02d-%02d  Error: %d\n", msg.Year, msg.Month, msg.Day, msg.ErrorCode)
		}

	case *LightStatus:
		fmt.Fprintf(&b, "  Mode: %s  Brightness: %d  RGB: %d/%d/%d\n",
			msg.Mode, msg.Brightness, msg.Red, msg.Green, msg.Blue)

	case *PrimaryFiltration:
		fmt.Fprintf(&b, "  Start: %02d:00 for %s, %d per day\n", msg.StartHour, msg.Duration(), msg.Frequency)

	case *SecondaryFiltration:
		fmt.Fprintf(&b, "  Mode: %s\n", msg.Mode)

	case *ConfigurationInfo:
		fmt.Fprintf(&b, "  Pumps: %v  Lights: %v\n", msg.Pumps, msg.Lights)
		fmt.Fprintf(&b, "  Circ: %t  Blower: %d  Mister: %d  Aux: %t/%t\n",
			msg.CircPump, msg.Blower, msg.Mister, msg.Aux[0], msg.Aux[1])

	case *SetupParameters:
		lowMin, lowMax := msg.Bounds(TempRangeLow)
		highMin, highMax := msg.Bounds(TempRangeHigh)
		fmt.Fprintf(&b, "  Low range: %.1f-%.1f°C  High range: %.1f-%.1f°C  Pumps: %d\n",
			lowMin, lowMax, highMin, highMax, msg.PumpCount())

	case *SystemInformation:
		fmt.Fprintf(&b, "  Model: %s  SSID: %s\n", msg.Model, msg.SSIDString())
		fmt.Fprintf(&b, "  Signature: %08X  240V: %t  Standard heater: %t  DIP: %016b\n",
			msg.ConfigSignature, msg.Is240V(), msg.StandardHeater(), msg.DipSwitch)

	case *ModuleIdentification:
		fmt.Fprintf(&b, "  MAC: %s  Device ID: %s\n", msg.MACString(), msg.DeviceIDString())

	case *FaultLog:
		fmt.Fprintf(&b, "  Fault %d/%d: code %d (%s), %d days ago at %02d:%02d\n",
			msg.EntryNumber+1, msg.EntryCount, msg.Code, msg.Description(), msg.DaysAgo, msg.Hour, msg.Minute)

	case *FilterCycleInfo:
		fmt.Fprintf(&b, "  Cycle 1: %02d:%02d for %s\n", msg.Cycle1.StartHour, msg.Cycle1.StartMinute, msg.Cycle1.Duration())
		fmt.Fprintf(&b, "  Cycle 2: %02d:%02d for %s (enabled=%t)\n",
			msg.Cycle2.StartHour, msg.Cycle2.StartMinute, msg.Cycle2.Duration(), msg.Cycle2Enabled)

	case *SetTemperatureAck:
		fmt.Fprintf(&b, "  Raw: %d (%.1f°C if Celsius, %.1f°C if Fahrenheit)\n",
			msg.Raw, msg.Celsius(ScaleCelsius), msg.Celsius(ScaleFahrenheit))

	case *ChannelControl:
		if ch, ok := msg.AssignedChannel(); ok {
			fmt.Fprintf(&b, "  Assigned channel: 0x%02X\n", ch)
		} else if len(msg.Payload) > 0 {
			fmt.Fprintf(&b, "  Payload: % X\n", msg.Payload)
		}

	case *Request:
		if item, ok := msg.ControlItem(); ok {
			fmt.Fprintf(&b, "  Toggle: %s\n", FormatControlItem(item))
		} else if pr, ok := msg.PanelRequest(); ok {
			fmt.Fprintf(&b, "  Page: % X (answered by %s)\n", pr[:], FormatMessageType(pr.ResponseType()))
		} else {
			fmt.Fprintf(&b, "  Payload: % X\n", msg.Payload)
		}

	case *Unknown:
		fmt.Fprintf(&b, "  Payload: % X\n", msg.Payload)
	}

	return b.String()
}
