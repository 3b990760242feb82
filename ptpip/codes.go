package ptpip

import "fmt"

// OpCode identifies a device operation.
type OpCode uint16

// Operations used by this client. Vendor operations are named after the
// vendor that introduced them.
const (
	OpGetDeviceInfo              OpCode = 0x1001
	OpOpenSession                OpCode = 0x1002
	OpCloseSession               OpCode = 0x1003
	OpGetStorageIDs              OpCode = 0x1004
	OpGetStorageInfo             OpCode = 0x1005
	OpGetNumObjects              OpCode = 0x1006
	OpGetObjectHandles           OpCode = 0x1007
	OpGetObjectInfo              OpCode = 0x1008
	OpGetObject                  OpCode = 0x1009
	OpGetThumb                   OpCode = 0x100a
	OpDeleteObject               OpCode = 0x100b
	OpSendObjectInfo             OpCode = 0x100c
	OpSendObject                 OpCode = 0x100d
	OpInitiateCapture            OpCode = 0x100e
	OpFormatStore                OpCode = 0x100f
	OpPowerDown                  OpCode = 0x1013
	OpGetDevicePropDesc          OpCode = 0x1014
	OpGetDevicePropValue         OpCode = 0x1015
	OpSetDevicePropValue         OpCode = 0x1016
	OpGetPartialObject           OpCode = 0x101b
	OpGetLargeThumb              OpCode = 0x90c4
	OpNikonGetEvent              OpCode = 0x90c7
	OpNikonDeviceReady           OpCode = 0x90c8
	OpGetVendorPropCodes         OpCode = 0x90ca
	OpGetVendorStorageIDs        OpCode = 0x9209
	OpGetPartialObjectHighSpeed  OpCode = 0x9400
	OpSetTransferListLock        OpCode = 0x9407
	OpGetTransferList            OpCode = 0x9408
	OpNotifyFileAcquisitionStart OpCode = 0x9409
	OpNotifyFileAcquisitionEnd   OpCode = 0x940a
	OpGetSpecificSizeObject      OpCode = 0x940b
	OpGetObjectPropsSupported    OpCode = 0x9801
	OpGetObjectPropDesc          OpCode = 0x9802
	OpGetObjectPropValue         OpCode = 0x9803
	OpGetObjectPropList          OpCode = 0x9805
	OpCanonSetDevicePropValue    OpCode = 0x9110
	OpCanonGetDevicePropValue    OpCode = 0x9127
	OpSonySetRequest             OpCode = 0x9280
	OpSonyGetRequest             OpCode = 0x9281
)

var opNames = map[OpCode]string{
	OpGetDeviceInfo:              "GetDeviceInfo",
	OpOpenSession:                "OpenSession",
	OpCloseSession:               "CloseSession",
	OpGetStorageIDs:              "GetStorageIDs",
	OpGetStorageInfo:             "GetStorageInfo",
	OpGetNumObjects:              "GetNumObjects",
	OpGetObjectHandles:           "GetObjectHandles",
	OpGetObjectInfo:              "GetObjectInfo",
	OpGetObject:                  "GetObject",
	OpGetThumb:                   "GetThumb",
	OpDeleteObject:               "DeleteObject",
	OpSendObjectInfo:             "SendObjectInfo",
	OpSendObject:                 "SendObject",
	OpInitiateCapture:            "InitiateCapture",
	OpFormatStore:                "FormatStore",
	OpPowerDown:                  "PowerDown",
	OpGetDevicePropDesc:          "GetDevicePropDesc",
	OpGetDevicePropValue:         "GetDevicePropValue",
	OpSetDevicePropValue:         "SetDevicePropValue",
	OpGetPartialObject:           "GetPartialObject",
	OpGetLargeThumb:              "GetLargeThumb",
	OpNikonGetEvent:              "NikonGetEvent",
	OpNikonDeviceReady:           "NikonDeviceReady",
	OpGetVendorPropCodes:         "GetVendorPropCodes",
	OpGetVendorStorageIDs:        "GetVendorStorageIDs",
	OpGetPartialObjectHighSpeed:  "GetPartialObjectHighSpeed",
	OpSetTransferListLock:        "SetTransferListLock",
	OpGetTransferList:            "GetTransferList",
	OpNotifyFileAcquisitionStart: "NotifyFileAcquisitionStart",
	OpNotifyFileAcquisitionEnd:   "NotifyFileAcquisitionEnd",
	OpGetSpecificSizeObject:      "GetSpecificSizeObject",
	OpGetObjectPropsSupported:    "GetObjectPropsSupported",
	OpGetObjectPropDesc:          "GetObjectPropDesc",
	OpGetObjectPropValue:         "GetObjectPropValue",
	OpGetObjectPropList:          "GetObjectPropList",
	OpCanonSetDevicePropValue:    "CanonSetDevicePropValue",
	OpCanonGetDevicePropValue:    "CanonGetDevicePropValue",
	OpSonySetRequest:             "SonySetRequest",
	OpSonyGetRequest:             "SonyGetRequest",
}

// Name returns the bare operation name, or "Unknown" for codes outside the table.
func (op OpCode) Name() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return "Unknown"
}

func (op OpCode) String() string {
	return fmt.Sprintf("%s (0x%04x)", op.Name(), uint16(op))
}

// Direction is the data phase direction of an operation.
type Direction uint32

const (
	DirNone         Direction = 0
	DirDeviceToHost Direction = 1
	DirHostToDevice Direction = 2
)

// wireDirection maps a direction onto the command-request dataDir field.
// Operations without a data phase are sent as device-to-host.
func (d Direction) wireDirection() uint32 {
	if d == DirHostToDevice {
		return uint32(DirHostToDevice)
	}
	return uint32(DirDeviceToHost)
}

var opDirections = map[OpCode]Direction{
	OpGetDeviceInfo:              DirDeviceToHost,
	OpOpenSession:                DirNone,
	OpCloseSession:               DirNone,
	OpGetStorageIDs:              DirDeviceToHost,
	OpGetStorageInfo:             DirDeviceToHost,
	OpGetNumObjects:              DirNone,
	OpGetObjectHandles:           DirDeviceToHost,
	OpGetObjectInfo:              DirDeviceToHost,
	OpGetObject:                  DirDeviceToHost,
	OpGetThumb:                   DirDeviceToHost,
	OpDeleteObject:               DirNone,
	OpSendObjectInfo:             DirHostToDevice,
	OpSendObject:                 DirHostToDevice,
	OpInitiateCapture:            DirNone,
	OpFormatStore:                DirNone,
	OpPowerDown:                  DirNone,
	OpGetDevicePropDesc:          DirDeviceToHost,
	OpGetDevicePropValue:         DirDeviceToHost,
	OpSetDevicePropValue:         DirHostToDevice,
	OpGetPartialObject:           DirDeviceToHost,
	OpGetLargeThumb:              DirDeviceToHost,
	OpNikonGetEvent:              DirDeviceToHost,
	OpNikonDeviceReady:           DirNone,
	OpGetVendorPropCodes:         DirDeviceToHost,
	OpGetVendorStorageIDs:        DirDeviceToHost,
	OpGetPartialObjectHighSpeed:  DirDeviceToHost,
	OpSetTransferListLock:        DirNone,
	OpGetTransferList:            DirDeviceToHost,
	OpNotifyFileAcquisitionStart: DirNone,
	OpNotifyFileAcquisitionEnd:   DirNone,
	OpGetSpecificSizeObject:      DirDeviceToHost,
	OpGetObjectPropsSupported:    DirDeviceToHost,
	OpGetObjectPropDesc:          DirDeviceToHost,
	OpGetObjectPropValue:         DirDeviceToHost,
	OpGetObjectPropList:          DirDeviceToHost,
	OpCanonSetDevicePropValue:    DirHostToDevice,
	OpCanonGetDevicePropValue:    DirDeviceToHost,
	OpSonySetRequest:             DirHostToDevice,
	OpSonyGetRequest:             DirDeviceToHost,
}

// DirectionOf reports the data direction of op. ok is false for operations
// this client does not know how to drive.
func DirectionOf(op OpCode) (dir Direction, ok bool) {
	dir, ok = opDirections[op]
	return dir, ok
}

// RespCode is the response code carried by a command-response frame.
type RespCode uint16

const (
	RespOK                          RespCode = 0x2001
	RespGeneralError                RespCode = 0x2002
	RespSessionNotOpen              RespCode = 0x2003
	RespInvalidTransactionID        RespCode = 0x2004
	RespOperationNotSupported       RespCode = 0x2005
	RespParameterNotSupported       RespCode = 0x2006
	RespIncompleteTransfer          RespCode = 0x2007
	RespInvalidStorageID            RespCode = 0x2008
	RespInvalidObjectHandle         RespCode = 0x2009
	RespDevicePropNotSupported      RespCode = 0x200a
	RespInvalidObjectFormatCode     RespCode = 0x200b
	RespStoreFull                   RespCode = 0x200c
	RespObjectWriteProtect          RespCode = 0x200d
	RespStoreReadOnly               RespCode = 0x200e
	RespAccessDenied                RespCode = 0x200f
	RespNoThumbnailPresent          RespCode = 0x2010
	RespPartialDeletion             RespCode = 0x2012
	RespStoreNotAvailable           RespCode = 0x2013
	RespSpecificationByFormatUnsupp RespCode = 0x2014
	RespNoValidObjectInfo           RespCode = 0x2015
	RespDeviceBusy                  RespCode = 0x2019
	RespInvalidParentObject         RespCode = 0x201a
	RespInvalidDevicePropFormat     RespCode = 0x201b
	RespInvalidDevicePropValue      RespCode = 0x201c
	RespInvalidParameter            RespCode = 0x201d
	RespSessionAlreadyOpen          RespCode = 0x201e
	RespHardwareError               RespCode = 0xa001
	RespStoreError                  RespCode = 0xa021
	RespStoreUnformatted            RespCode = 0xa022
	RespNoTransferList              RespCode = 0xa205
	RespNoJpegPresent               RespCode = 0xa206

	// RespCommunicationError never appears on the wire. It marks failures
	// where the exchange itself broke down (socket error or timeout).
	RespCommunicationError RespCode = 0xfffe
)

var respNames = map[RespCode]string{
	RespOK:                          "OK",
	RespGeneralError:                "GeneralError",
	RespSessionNotOpen:              "SessionNotOpen",
	RespInvalidTransactionID:        "InvalidTransactionId",
	RespOperationNotSupported:       "OperationNotSupported",
	RespParameterNotSupported:       "ParameterNotSupported",
	RespIncompleteTransfer:          "IncompleteTransfer",
	RespInvalidStorageID:            "InvalidStorageID",
	RespInvalidObjectHandle:         "InvalidObjectHandle",
	RespDevicePropNotSupported:      "DevicePropNotSupported",
	RespInvalidObjectFormatCode:     "InvalidObjectFormatCode",
	RespStoreFull:                   "StoreFull",
	RespObjectWriteProtect:          "ObjectWriteProtect",
	RespStoreReadOnly:               "StoreReadOnly",
	RespAccessDenied:                "AccessDenied",
	RespNoThumbnailPresent:          "NoThumbnailPresent",
	RespPartialDeletion:             "PartialDeletion",
	RespStoreNotAvailable:           "StoreNotAvailable",
	RespSpecificationByFormatUnsupp: "SpecificationByFormatUnsupported",
	RespNoValidObjectInfo:           "NoValidObjectInfo",
	RespDeviceBusy:                  "DeviceBusy",
	RespInvalidParentObject:         "InvalidParentObject",
	RespInvalidDevicePropFormat:     "InvalidDevicePropFormat",
	RespInvalidDevicePropValue:      "InvalidDevicePropValue",
	RespInvalidParameter:            "InvalidParameter",
	RespSessionAlreadyOpen:          "SessionAlreadyOpen",
	RespHardwareError:               "HardwareError",
	RespStoreError:                  "StoreError",
	RespStoreUnformatted:            "StoreUnformatted",
	RespNoTransferList:              "NoTransferList",
	RespNoJpegPresent:               "NoJpegPresent",
	RespCommunicationError:          "CommunicationError",
}

func (c RespCode) String() string {
	if name, ok := respNames[c]; ok {
		return fmt.Sprintf("%s (0x%04x)", name, uint16(c))
	}
	return fmt.Sprintf("Unknown Response Code (0x%04x)", uint16(c))
}

// ObjectFormat is the format code of a device object.
type ObjectFormat uint16

const (
	FormatNone              ObjectFormat = 0x0000
	FormatNEFWithoutMTP     ObjectFormat = 0x3000
	FormatAssociation       ObjectFormat = 0x3001
	FormatScript            ObjectFormat = 0x3002
	FormatDigitalPrintOrder ObjectFormat = 0x3006
	FormatWAV               ObjectFormat = 0x3008
	FormatMOV               ObjectFormat = 0x300d
	FormatNEFWithMTP        ObjectFormat = 0x3800
	FormatEXIFJPEG          ObjectFormat = 0x3801
	FormatJFIF              ObjectFormat = 0x3808
	FormatTIFF              ObjectFormat = 0x380d
	FormatCR2               ObjectFormat = 0xb103
)

var formatNames = map[ObjectFormat]string{
	FormatNone:              "None",
	FormatNEFWithoutMTP:     "NEF",
	FormatAssociation:       "Association",
	FormatScript:            "Script",
	FormatDigitalPrintOrder: "DigitalPrintOrder",
	FormatWAV:               "WAV",
	FormatMOV:               "MOV",
	FormatNEFWithMTP:        "NEF",
	FormatEXIFJPEG:          "JPEG",
	FormatJFIF:              "JFIF",
	FormatTIFF:              "TIFF",
	FormatCR2:               "CR2",
}

func (f ObjectFormat) String() string {
	if name, ok := formatNames[f]; ok {
		return fmt.Sprintf("%s (0x%04x)", name, uint16(f))
	}
	return fmt.Sprintf("Unknown ObjFormat (0x%04x)", uint16(f))
}

// AssociationGenericFolder is the association type of a folder object.
const AssociationGenericFolder uint16 = 0x0001

// EventCode identifies an asynchronous device event.
type EventCode uint16

const (
	EventCancelTransaction     EventCode = 0x4001
	EventObjectAdded           EventCode = 0x4002
	EventObjectRemoved         EventCode = 0x4003
	EventStoreAdded            EventCode = 0x4004
	EventStoreRemoved          EventCode = 0x4005
	EventDevicePropChanged     EventCode = 0x4006
	EventObjectInfoChanged     EventCode = 0x4007
	EventDeviceInfoChanged     EventCode = 0x4008
	EventRequestObjectTransfer EventCode = 0x4009
	EventStoreFull             EventCode = 0x400a
	EventStorageInfoChanged    EventCode = 0x400c
	EventCaptureComplete       EventCode = 0x400d
	EventObjectAddedInSdram    EventCode = 0xc101
	EventCaptureCompleteSdram  EventCode = 0xc102
	EventRecordingInterrupted  EventCode = 0xc105
)

func (e EventCode) String() string {
	switch e {
	case EventObjectAdded:
		return "ObjectAdded (0x4002)"
	case EventObjectRemoved:
		return "ObjectRemoved (0x4003)"
	case EventStoreAdded:
		return "StoreAdded (0x4004)"
	case EventStoreRemoved:
		return "StoreRemoved (0x4005)"
	case EventCaptureComplete:
		return "CaptureComplete (0x400d)"
	}
	return fmt.Sprintf("Event (0x%04x)", uint16(e))
}

// Device properties.
const (
	PropDateTime      uint32 = 0x5011
	PropCanonDateTime uint32 = 0xd17c
)

// Storage identifiers.
const (
	// StoragePresenceBit is set in a storage id when the slot holds a card.
	StoragePresenceBit uint32 = 0x00000001
	// StorageAll addresses every card in one request.
	StorageAll uint32 = 0xffffffff
)

// StoragePresent reports whether the slot behind a storage id is populated.
func StoragePresent(id uint32) bool {
	return id&StoragePresenceBit != 0
}
