package shared

// Purchase order permissions. Workflow actions, cancel included, are
// authorised by the permissions the current stage requires.
const (
	PermPOView      = "po.view"
	PermPOCreate    = "po.create"
	PermPOSubmit    = "po.submit"
	PermPOApproveL1 = "po.approve.l1"
	PermPOApproveL2 = "po.approve.l2"
	PermPOOrder     = "po.order"
	PermPOReceive   = "po.receive"
)

// Quality control permissions.
const (
	PermQCView    = "qc.view"
	PermQCCreate  = "qc.create"
	PermQCInspect = "qc.inspect"
	PermQCApprove = "qc.approve"
	PermQCManage  = "qc.manage"
)

// Warehouse approval permissions.
const (
	PermWarehouseView    = "warehouse.view"
	PermWarehouseCreate  = "warehouse.create"
	PermWarehouseUpdate  = "warehouse.update"
	PermWarehouseApprove = "warehouse.approve"
)

// Inventory permissions.
const (
	PermInventoryView     = "inventory.view"
	PermInventoryAdjust   = "inventory.adjust"
	PermInventoryReserve  = "inventory.reserve"
	PermInventoryTransfer = "inventory.transfer"
	PermInventoryUtilize  = "inventory.utilize"
	PermInventoryDelete   = "inventory.delete"
)

// AllPermissions lists every permission known to the system.
func AllPermissions() []string {
	return []string{
		PermPOView, PermPOCreate, PermPOSubmit, PermPOApproveL1, PermPOApproveL2,
		PermPOOrder, PermPOReceive,
		PermQCView, PermQCCreate, PermQCInspect, PermQCApprove, PermQCManage,
		PermWarehouseView, PermWarehouseCreate, PermWarehouseUpdate, PermWarehouseApprove,
		PermInventoryView, PermInventoryAdjust, PermInventoryReserve, PermInventoryTransfer,
		PermInventoryUtilize, PermInventoryDelete,
	}
}
