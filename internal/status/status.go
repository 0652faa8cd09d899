package status

// Code is a tracking lifecycle status.
type Code int

const (
	None Code = iota
	ServiceStarted
	ServiceStopped
	PermissionRequestFailed
	HardwareResolutionFailed
	IncorrectLocationRequestParameters
	HTTPRequestFailed
	WarningNoLocationLongTime
	Unknown
)

func (c Code) String() string {
	switch c {
	case None:
		return "none"
	case ServiceStarted:
		return "service_started"
	case ServiceStopped:
		return "service_stopped"
	case PermissionRequestFailed:
		return "permission_request_failed"
	case HardwareResolutionFailed:
		return "hardware_resolution_failed"
	case IncorrectLocationRequestParameters:
		return "incorrect_location_request_parameters"
	case HTTPRequestFailed:
		return "http_request_failed"
	case WarningNoLocationLongTime:
		return "warning_no_location_long_time"
	default:
		return "unknown"
	}
}
