package kotlin

// BluetoothGattCallback receives client-side events. Every method is invoked
// from a radio goroutine, never from inside the call that triggered it.
type BluetoothGattCallback interface {
	OnConnectionStateChange(gatt *BluetoothGatt, status int, newState int)
	OnServicesDiscovered(gatt *BluetoothGatt, status int)
	OnCharacteristicRead(gatt *BluetoothGatt, characteristic *BluetoothGattCharacteristic, value []byte, status int)
	OnCharacteristicWrite(gatt *BluetoothGatt, characteristic *BluetoothGattCharacteristic, status int)
	OnCharacteristicChanged(gatt *BluetoothGatt, characteristic *BluetoothGattCharacteristic, value []byte)
	OnDescriptorWrite(gatt *BluetoothGatt, descriptor *BluetoothGattDescriptor, status int)
}

// BluetoothGattServerCallback receives server-side events.
type BluetoothGattServerCallback interface {
	OnConnectionStateChange(device *BluetoothDevice, status int, newState int)
	OnServiceAdded(status int, service *BluetoothGattService)
	OnCharacteristicReadRequest(device *BluetoothDevice, requestID int, offset int, characteristic *BluetoothGattCharacteristic)
	OnCharacteristicWriteRequest(device *BluetoothDevice, requestID int, characteristic *BluetoothGattCharacteristic, preparedWrite bool, responseNeeded bool, offset int, value []byte)
	OnDescriptorWriteRequest(device *BluetoothDevice, requestID int, descriptor *BluetoothGattDescriptor, preparedWrite bool, responseNeeded bool, offset int, value []byte)
}

type AdvertiseCallback interface {
	OnStartSuccess(settingsInEffect *AdvertiseSettings)
	OnStartFailure(errorCode int)
}

type ScanCallback interface {
	OnScanResult(callbackType int, result *ScanResult)
	OnScanFailed(errorCode int)
}
