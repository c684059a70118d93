package kotlin

// Connection states
const (
	STATE_DISCONNECTED = 0
	STATE_CONNECTING   = 1
	STATE_CONNECTED    = 2
)

// GATT status codes
const (
	GATT_SUCCESS             = 0
	GATT_READ_NOT_PERMITTED  = 2
	GATT_WRITE_NOT_PERMITTED = 3
	GATT_INVALID_OFFSET      = 7
	GATT_FAILURE             = 257
)

// Characteristic properties
const (
	PROPERTY_READ              = 0x02
	PROPERTY_WRITE_NO_RESPONSE = 0x04
	PROPERTY_WRITE             = 0x08
	PROPERTY_NOTIFY            = 0x10
)

// Attribute permissions
const (
	PERMISSION_READ  = 0x01
	PERMISSION_WRITE = 0x10
)

// Write types
const (
	WRITE_TYPE_NO_RESPONSE = 1
	WRITE_TYPE_DEFAULT     = 2
)

const SERVICE_TYPE_PRIMARY = 0

// Advertising
const (
	ADVERTISE_MODE_LOW_POWER   = 0
	ADVERTISE_MODE_BALANCED    = 1
	ADVERTISE_MODE_LOW_LATENCY = 2

	ADVERTISE_TX_POWER_ULTRA_LOW = 0
	ADVERTISE_TX_POWER_LOW       = 1
	ADVERTISE_TX_POWER_MEDIUM    = 2
	ADVERTISE_TX_POWER_HIGH      = 3

	ADVERTISE_FAILED_DATA_TOO_LARGE       = 1
	ADVERTISE_FAILED_TOO_MANY_ADVERTISERS = 2
	ADVERTISE_FAILED_ALREADY_STARTED      = 3
	ADVERTISE_FAILED_INTERNAL_ERROR       = 4
	ADVERTISE_FAILED_FEATURE_UNSUPPORTED  = 5
)

// Scanning
const (
	SCAN_MODE_LOW_POWER   = 0
	SCAN_MODE_BALANCED    = 1
	SCAN_MODE_LOW_LATENCY = 2

	CALLBACK_TYPE_ALL_MATCHES = 1

	SCAN_FAILED_ALREADY_STARTED                 = 1
	SCAN_FAILED_APPLICATION_REGISTRATION_FAILED = 2
	SCAN_FAILED_INTERNAL_ERROR                  = 3
)

// Runtime permissions
const (
	PERMISSION_GRANTED = 0
	PERMISSION_DENIED  = -1

	BLUETOOTH_SCAN      = "android.permission.BLUETOOTH_SCAN"
	BLUETOOTH_ADVERTISE = "android.permission.BLUETOOTH_ADVERTISE"
	BLUETOOTH_CONNECT   = "android.permission.BLUETOOTH_CONNECT"
)

var (
	ENABLE_NOTIFICATION_VALUE  = []byte{0x01, 0x00}
	DISABLE_NOTIFICATION_VALUE = []byte{0x00, 0x00}
)
