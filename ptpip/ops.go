package ptpip

import (
	"context"
	"encoding/binary"
	"fmt"
)

// GetDeviceInfo fetches and decodes the DeviceInfo dataset.
func (c *Conn) GetDeviceInfo(ctx context.Context) (*DeviceInfo, error) {
	res, err := c.Execute(ctx, OpGetDeviceInfo, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	return ParseDeviceInfo(res.Data)
}

// OpenSession opens the device session sessionID.
func (c *Conn) OpenSession(ctx context.Context, sessionID uint32) error {
	_, err := c.Execute(ctx, OpOpenSession, Args(sessionID), nil, nil)
	return err
}

// CloseSession closes the open device session.
func (c *Conn) CloseSession(ctx context.Context) error {
	_, err := c.Execute(ctx, OpCloseSession, nil, nil, nil)
	return err
}

// GetStorageIDs returns the storage ids of every card slot.
func (c *Conn) GetStorageIDs(ctx context.Context) ([]uint32, error) {
	res, err := c.Execute(ctx, OpGetStorageIDs, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	ids, _, err := DecodeUint32List(res.Data)
	return ids, err
}

// GetStorageInfo fetches the StorageInfo dataset of storageID.
func (c *Conn) GetStorageInfo(ctx context.Context, storageID uint32) (StorageInfo, error) {
	res, err := c.Execute(ctx, OpGetStorageInfo, Args(storageID), nil, nil)
	if err != nil {
		return StorageInfo{}, err
	}
	return ParseStorageInfo(res.Data)
}

// GetNumObjects returns the number of objects in storageID.
func (c *Conn) GetNumObjects(ctx context.Context, storageID uint32) (uint32, error) {
	res, err := c.Execute(ctx, OpGetNumObjects, Args(storageID, 0, 0), nil, nil)
	if err != nil {
		return 0, err
	}
	if !res.HasParam {
		return 0, &ProtocolError{Op: OpGetNumObjects, Msg: "response carries no object count"}
	}
	return res.Param, nil
}

// GetObjectHandles returns the handles of every object in storageID.
func (c *Conn) GetObjectHandles(ctx context.Context, storageID uint32) ([]uint32, error) {
	res, err := c.Execute(ctx, OpGetObjectHandles, Args(storageID, 0, 0), nil, nil)
	if err != nil {
		return nil, err
	}
	handles, _, err := DecodeUint32List(res.Data)
	return handles, err
}

// GetObjectInfo fetches and decodes the ObjectInfo dataset of handle.
func (c *Conn) GetObjectInfo(ctx context.Context, handle uint32) (ObjectInfo, error) {
	res, err := c.Execute(ctx, OpGetObjectInfo, Args(handle), nil, nil)
	if err != nil {
		return ObjectInfo{}, err
	}
	return ParseObjectInfo(res.Data)
}

// GetPartialObject fetches size bytes of handle starting at offset.
func (c *Conn) GetPartialObject(ctx context.Context, handle, offset, size uint32, progress ProgressFunc) ([]byte, error) {
	res, err := c.Execute(ctx, OpGetPartialObject, Args(handle, offset, size), nil, progress)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// GetWholeObject fetches an object in a single request. op is OpGetObject,
// OpGetThumb or OpGetLargeThumb.
func (c *Conn) GetWholeObject(ctx context.Context, op OpCode, handle uint32, progress ProgressFunc) ([]byte, error) {
	switch op {
	case OpGetObject, OpGetThumb, OpGetLargeThumb:
	default:
		return nil, fmt.Errorf("%s does not retrieve object data", op)
	}
	res, err := c.Execute(ctx, op, Args(handle), nil, progress)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// GetTransferList returns the handles the user marked for transfer on the
// camera.
func (c *Conn) GetTransferList(ctx context.Context) ([]uint32, error) {
	res, err := c.Execute(ctx, OpGetTransferList, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	handles, _, err := DecodeUint32List(res.Data)
	return handles, err
}

// NotifyFileAcquisition brackets the download of a transfer list object.
func (c *Conn) NotifyFileAcquisition(ctx context.Context, handle uint32, start bool) error {
	op := OpNotifyFileAcquisitionEnd
	if start {
		op = OpNotifyFileAcquisitionStart
	}
	_, err := c.Execute(ctx, op, Args(handle), nil, nil)
	return err
}

// GetNikonEvents drains the vendor event queue.
func (c *Conn) GetNikonEvents(ctx context.Context) ([]Event, error) {
	res, err := c.Execute(ctx, OpNikonGetEvent, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	return ParseNikonEvents(res.Data)
}

// GetDevicePropValue returns the raw value of a device property.
func (c *Conn) GetDevicePropValue(ctx context.Context, prop uint32) ([]byte, error) {
	res, err := c.Execute(ctx, OpGetDevicePropValue, Args(prop), nil, nil)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// SetDevicePropValue sets the raw value of a device property.
func (c *Conn) SetDevicePropValue(ctx context.Context, prop uint32, value []byte) error {
	_, err := c.Execute(ctx, OpSetDevicePropValue, Args(prop), value, nil)
	return err
}

// SetCanonDevicePropValue sets a property through the Canon vendor
// operation, whose dataset is (u32 length, u32 prop, value).
func (c *Conn) SetCanonDevicePropValue(ctx context.Context, prop uint32, value []byte) error {
	data := binary.LittleEndian.AppendUint32(nil, uint32(8+len(value)))
	data = binary.LittleEndian.AppendUint32(data, prop)
	data = append(data, value...)
	_, err := c.Execute(ctx, OpCanonSetDevicePropValue, nil, data, nil)
	return err
}

// SonyCommand sends a Sony vendor message. Every set request must be
// followed by a get request or the camera reports busy for the next one.
func (c *Conn) SonyCommand(ctx context.Context, data []byte) error {
	if _, err := c.Execute(ctx, OpSonySetRequest, Args(4), data, nil); err != nil {
		return err
	}
	_, err := c.Execute(ctx, OpSonyGetRequest, Args(4), nil, nil)
	return err
}
