package attendance

// PunchType is the semantic category of a punch.
type PunchType string

const (
	PunchCheckIn      PunchType = "check-in"
	PunchCheckOut     PunchType = "check-out"
	PunchBreakOut     PunchType = "break-out"
	PunchBreakIn      PunchType = "break-in"
	PunchOvertimeIn   PunchType = "overtime-in"
	PunchOvertimeOut  PunchType = "overtime-out"
	PunchUnrecognized PunchType = "unrecognized"
)

// VerifyMethod is the modality the terminal used to identify the user.
type VerifyMethod string

const (
	VerifyPassword     VerifyMethod = "password"
	VerifyFingerprint  VerifyMethod = "fingerprint"
	VerifyCard         VerifyMethod = "card"
	VerifyFace         VerifyMethod = "face"
	VerifyPalm         VerifyMethod = "palm"
	VerifyUnrecognized VerifyMethod = "unrecognized"
)

var punchCodes = map[int]PunchType{
	0: PunchCheckIn,
	1: PunchCheckOut,
	2: PunchBreakOut,
	3: PunchBreakIn,
	4: PunchOvertimeIn,
	5: PunchOvertimeOut,
}

var verifyCodes = map[int]VerifyMethod{
	0:  VerifyPassword,
	1:  VerifyFingerprint,
	2:  VerifyPassword,
	3:  VerifyCard,
	4:  VerifyCard,
	5:  VerifyFingerprint,
	15: VerifyFace,
	25: VerifyPalm,
}

// PunchTypeFromCode maps a device punch code. ok is false for codes outside
// the table, in which case PunchUnrecognized is returned.
func PunchTypeFromCode(code int) (PunchType, bool) {
	if p, ok := punchCodes[code]; ok {
		return p, true
	}
	return PunchUnrecognized, false
}

// VerifyMethodFromCode maps a device verify code. ok is false for codes
// outside the table, in which case VerifyUnrecognized is returned.
func VerifyMethodFromCode(code int) (VerifyMethod, bool) {
	if v, ok := verifyCodes[code]; ok {
		return v, true
	}
	return VerifyUnrecognized, false
}

// Label returns a human readable name for logs and tables.
func (p PunchType) Label() string {
	switch p {
	case PunchCheckIn:
		return "Check-in"
	case PunchCheckOut:
		return "Check-out"
	case PunchBreakOut:
		return "Break-out"
	case PunchBreakIn:
		return "Break-in"
	case PunchOvertimeIn:
		return "OT-in"
	case PunchOvertimeOut:
		return "OT-out"
	default:
		return "Unrecognized"
	}
}

// Valid reports whether p is one of the declared punch types.
func (p PunchType) Valid() bool {
	switch p {
	case PunchCheckIn, PunchCheckOut, PunchBreakOut, PunchBreakIn,
		PunchOvertimeIn, PunchOvertimeOut, PunchUnrecognized:
		return true
	}
	return false
}

// Valid reports whether v is one of the declared verify methods.
func (v VerifyMethod) Valid() bool {
	switch v {
	case VerifyPassword, VerifyFingerprint, VerifyCard, VerifyFace,
		VerifyPalm, VerifyUnrecognized:
		return true
	}
	return false
}
