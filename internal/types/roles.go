package types

// Role names granted through the role store.
const (
	RoleAdmin             = "ROLE_ADMIN"
	RoleController        = "CONTROLLER"
	RoleOrderKeeper       = "ORDER_KEEPER"
	RoleLiquidationKeeper = "LIQUIDATION_KEEPER"
	RoleMarketKeeper      = "MARKET_KEEPER"
)

// AllRoles lists every role in grant order.
var AllRoles = []string{
	RoleAdmin,
	RoleController,
	RoleOrderKeeper,
	RoleLiquidationKeeper,
	RoleMarketKeeper,
}
